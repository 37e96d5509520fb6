// Package ingest turns decoded OTLP records into the flat rows the store and
// journal persist.
package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinytelemetry/otelgate/internal/logparse"
	"github.com/tinytelemetry/otelgate/internal/model"
)

// Flatten converts rec into a StoredRecord. Raw payload bytes are kept only
// for unrecognized records, where they are the only evidence left.
func Flatten(rec *model.DecodedRecord) *model.StoredRecord {
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	out := &model.StoredRecord{
		ReceivedAt:    receivedAt,
		Source:        rec.Source,
		SessionID:     rec.SessionID,
		RemoteAddr:    rec.RemoteAddr,
		Sequence:      rec.Sequence,
		Kind:          rec.Kind.String(),
		Compressed:    rec.Compressed,
		Truncated:     rec.Truncated,
		ResourceCount: rec.ResourceCount(),
		ItemCount:     rec.ItemCount(),
	}

	switch rec.Kind {
	case model.KindLogs:
		out.Logs = flattenLogs(rec.Logs)
	case model.KindTraces:
		out.Spans = flattenSpans(rec.Traces)
	case model.KindMetrics:
		out.Metrics = flattenMetrics(rec.Metrics)
	default:
		out.Payload = rec.Payload
		for _, a := range rec.Attempts {
			out.DecodeErrors = append(out.DecodeErrors, a.Schema+": "+a.Err)
		}
	}
	return out
}

func scopeAttributes(inherited map[string]string, name, version string) map[string]string {
	attrs := cloneAttributes(inherited)
	if name != "" {
		attrs["otel.scope.name"] = name
	}
	if version != "" {
		attrs["otel.scope.version"] = version
	}
	return attrs
}

func flattenLogs(data *logspb.LogsData) []model.LogRow {
	var rows []model.LogRow
	for _, rl := range data.GetResourceLogs() {
		resAttrs := attributeMap(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			scope := sl.GetScope()
			inherited := scopeAttributes(resAttrs, scope.GetName(), scope.GetVersion())
			mergeKeyValues(inherited, scope.GetAttributes())
			for _, lr := range sl.GetLogRecords() {
				rows = append(rows, logRow(lr, inherited))
			}
		}
	}
	return rows
}

func logRow(lr *logspb.LogRecord, inherited map[string]string) model.LogRow {
	attrs := cloneAttributes(inherited)
	mergeKeyValues(attrs, lr.GetAttributes())
	if lr.GetFlags() != 0 {
		attrs["trace.flags"] = strconv.FormatUint(uint64(lr.GetFlags()), 10)
	}
	if n := lr.GetDroppedAttributesCount(); n != 0 {
		attrs["otel.dropped_attributes_count"] = strconv.FormatUint(uint64(n), 10)
	}
	if name := lr.GetEventName(); name != "" {
		attrs["event.name"] = name
	}

	number := int(lr.GetSeverityNumber())
	level := lr.GetSeverityText()
	if level == "" {
		level = logparse.FromOTLPNumber(number)
	}
	level = logparse.NormalizeSeverity(level)
	if number == 0 {
		number = logparse.OTLPNumber(level)
	}

	return model.LogRow{
		Timestamp:         unixNano(lr.GetTimeUnixNano()),
		ObservedTimestamp: unixNano(lr.GetObservedTimeUnixNano()),
		Level:             level,
		LevelNum:          number,
		Body:              sanitize(AnyValueString(lr.GetBody())),
		Service:           ExtractService(attrs),
		TraceID:           hexID(lr.GetTraceId()),
		SpanID:            hexID(lr.GetSpanId()),
		Attributes:        attrs,
	}
}

func flattenSpans(data *tracepb.TracesData) []model.SpanRow {
	var rows []model.SpanRow
	for _, rs := range data.GetResourceSpans() {
		resAttrs := attributeMap(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			scope := ss.GetScope()
			inherited := scopeAttributes(resAttrs, scope.GetName(), scope.GetVersion())
			for _, span := range ss.GetSpans() {
				attrs := cloneAttributes(inherited)
				mergeKeyValues(attrs, span.GetAttributes())

				start := unixNano(span.GetStartTimeUnixNano())
				end := unixNano(span.GetEndTimeUnixNano())
				var durationMs float64
				if !start.IsZero() && end.After(start) {
					durationMs = float64(end.Sub(start)) / float64(time.Millisecond)
				}

				rows = append(rows, model.SpanRow{
					TraceID:      hexID(span.GetTraceId()),
					SpanID:       hexID(span.GetSpanId()),
					ParentSpanID: hexID(span.GetParentSpanId()),
					Name:         span.GetName(),
					Kind:         strings.TrimPrefix(span.GetKind().String(), "SPAN_KIND_"),
					Service:      ExtractService(attrs),
					Start:        start,
					End:          end,
					DurationMs:   durationMs,
					StatusCode:   strings.TrimPrefix(span.GetStatus().GetCode().String(), "STATUS_CODE_"),
					Attributes:   attrs,
				})
			}
		}
	}
	return rows
}

func flattenMetrics(data *metricspb.MetricsData) []model.MetricRow {
	var rows []model.MetricRow
	for _, rm := range data.GetResourceMetrics() {
		resAttrs := attributeMap(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			scope := sm.GetScope()
			inherited := scopeAttributes(resAttrs, scope.GetName(), scope.GetVersion())
			for _, m := range sm.GetMetrics() {
				typ, points := metricShape(m)
				rows = append(rows, model.MetricRow{
					Name:        m.GetName(),
					Description: m.GetDescription(),
					Unit:        m.GetUnit(),
					Type:        typ,
					Service:     ExtractService(inherited),
					DataPoints:  points,
					Attributes:  inherited,
				})
			}
		}
	}
	return rows
}

func metricShape(m *metricspb.Metric) (string, int) {
	switch d := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		return "gauge", len(d.Gauge.GetDataPoints())
	case *metricspb.Metric_Sum:
		return "sum", len(d.Sum.GetDataPoints())
	case *metricspb.Metric_Histogram:
		return "histogram", len(d.Histogram.GetDataPoints())
	case *metricspb.Metric_ExponentialHistogram:
		return "exponential_histogram", len(d.ExponentialHistogram.GetDataPoints())
	case *metricspb.Metric_Summary:
		return "summary", len(d.Summary.GetDataPoints())
	default:
		return "", 0
	}
}

// unixNano treats zero and values past the int64 range as unset.
func unixNano(ns uint64) time.Time {
	if ns == 0 || ns > math.MaxInt64 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}
