package model

import (
	"time"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// RecordKind tags which schema a payload matched.
type RecordKind int

const (
	KindUnrecognized RecordKind = iota
	KindLogs
	KindTraces
	KindMetrics
)

func (k RecordKind) String() string {
	switch k {
	case KindLogs:
		return "logs"
	case KindTraces:
		return "traces"
	case KindMetrics:
		return "metrics"
	default:
		return "unrecognized"
	}
}

// ParseRecordKind is the inverse of RecordKind.String.
func ParseRecordKind(s string) RecordKind {
	switch s {
	case "logs":
		return KindLogs
	case "traces":
		return KindTraces
	case "metrics":
		return KindMetrics
	default:
		return KindUnrecognized
	}
}

// Record sources.
const (
	SourceWebSocket = "websocket"
	SourceGRPC      = "grpc"
)

// SchemaAttempt records one failed decode attempt against a schema.
type SchemaAttempt struct {
	Schema string
	Err    string
}

// DecodedRecord is the unit handed to sinks. Exactly one of Logs, Traces and
// Metrics is set unless Kind is KindUnrecognized.
type DecodedRecord struct {
	Kind    RecordKind
	Logs    *logspb.LogsData
	Traces  *tracepb.TracesData
	Metrics *metricspb.MetricsData

	// Payload holds the bytes that were decoded (after decompression).
	Payload []byte
	// Attempts lists the decode errors for an unrecognized payload.
	Attempts []SchemaAttempt
	// Truncated marks a payload whose protobuf framing ends mid-field.
	Truncated bool

	Source     string
	SessionID  string
	RemoteAddr string
	Sequence   uint64
	ReceivedAt time.Time
	Compressed bool
}

// ResourceCount returns the number of top-level resource entries.
func (r *DecodedRecord) ResourceCount() int {
	switch r.Kind {
	case KindLogs:
		return len(r.Logs.GetResourceLogs())
	case KindTraces:
		return len(r.Traces.GetResourceSpans())
	case KindMetrics:
		return len(r.Metrics.GetResourceMetrics())
	default:
		return 0
	}
}

// ItemCount returns the number of log records, spans or metrics carried.
func (r *DecodedRecord) ItemCount() int {
	n := 0
	switch r.Kind {
	case KindLogs:
		for _, rl := range r.Logs.GetResourceLogs() {
			for _, sl := range rl.GetScopeLogs() {
				n += len(sl.GetLogRecords())
			}
		}
	case KindTraces:
		for _, rs := range r.Traces.GetResourceSpans() {
			for _, ss := range rs.GetScopeSpans() {
				n += len(ss.GetSpans())
			}
		}
	case KindMetrics:
		for _, rm := range r.Metrics.GetResourceMetrics() {
			for _, sm := range rm.GetScopeMetrics() {
				n += len(sm.GetMetrics())
			}
		}
	}
	return n
}

// SessionInfo is a point-in-time view of one live connection.
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastSeen     time.Time `json:"last_seen"`
	Frames       uint64    `json:"frames"`
	Records      uint64    `json:"records"`
	Unrecognized uint64    `json:"unrecognized"`
	Dropped      uint64    `json:"dropped"`
}
