package model

import "time"

// StoredRecord is the flattened, storage-ready form of a DecodedRecord.
// It is the canonical type for the journal and the DuckDB writer.
type StoredRecord struct {
	EventID       string
	ReceivedAt    time.Time
	Source        string
	SessionID     string
	RemoteAddr    string
	Sequence      uint64
	Kind          string // logs/traces/metrics/unrecognized
	Compressed    bool
	Truncated     bool
	ResourceCount int
	ItemCount     int
	Payload       []byte
	DecodeErrors  []string

	Logs    []LogRow
	Spans   []SpanRow
	Metrics []MetricRow
}

// LogRow is one OTLP log record with inherited resource and scope attributes.
type LogRow struct {
	Timestamp         time.Time // zero = not set by producer
	ObservedTimestamp time.Time
	Level             string // TRACE/DEBUG/INFO/WARN/ERROR/FATAL
	LevelNum          int    // OTLP severity number
	Body              string
	Service           string
	TraceID           string
	SpanID            string
	Attributes        map[string]string
}

// SpanRow is one OTLP span.
type SpanRow struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Kind         string
	Service      string
	Start        time.Time
	End          time.Time
	DurationMs   float64
	StatusCode   string
	Attributes   map[string]string
}

// MetricRow is one OTLP metric with its data point count.
type MetricRow struct {
	Name        string
	Description string
	Unit        string
	Type        string // gauge/sum/histogram/exponential_histogram/summary
	Service     string
	DataPoints  int
	Attributes  map[string]string
}

// KindCount is a record count for one kind.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// RecordSummary is a stored record header without its rows.
type RecordSummary struct {
	EventID    string    `json:"event_id"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	ItemCount  int       `json:"item_count"`
	Truncated  bool      `json:"truncated"`
}
