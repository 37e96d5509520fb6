// Package metrics holds the gateway's Prometheus collectors.
//
// All helper methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "otelgate"

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsRejected  prometheus.Counter
	FramesTotal       *prometheus.CounterVec
	RecordsTotal      *prometheus.CounterVec
	DecompressTotal   *prometheus.CounterVec
	SinkErrorsTotal   *prometheus.CounterVec
	SinkDroppedTotal  prometheus.Counter
	QueueDepth        prometheus.Gauge
	StoreFlushedTotal prometheus.Counter
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open WebSocket sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total accepted WebSocket sessions",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Upgrades refused because the session limit was reached",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames received by type",
		}, []string{"type"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Decoded records by kind and source",
		}, []string{"kind", "source"}),
		DecompressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decompress_total",
			Help:      "Binary payloads by decompression result",
		}, []string{"result"}),
		SinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Sink publish failures by sink",
		}, []string{"sink"}),
		SinkDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Records rejected with backpressure",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queue_depth",
			Help:      "Records waiting in the sink queue",
		}),
		StoreFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_flushed_records_total",
			Help:      "Records written to DuckDB",
		}),
	}
	r.MustRegister(
		m.ActiveSessions, m.SessionsTotal, m.SessionsRejected,
		m.FramesTotal, m.RecordsTotal, m.DecompressTotal,
		m.SinkErrorsTotal, m.SinkDroppedTotal, m.QueueDepth, m.StoreFlushedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Record(kind, source string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(kind, source).Inc()
}

// Decompress records whether a binary payload was gzip ("gzip") or passed
// through unchanged ("raw").
func (m *Metrics) Decompress(compressed bool) {
	if m == nil {
		return
	}
	result := "raw"
	if compressed {
		result = "gzip"
	}
	m.DecompressTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) SinkDropped() {
	if m == nil {
		return
	}
	m.SinkDroppedTotal.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) StoreFlushed(n int) {
	if m == nil {
		return
	}
	m.StoreFlushedTotal.Add(float64(n))
}
