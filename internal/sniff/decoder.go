// Package sniff classifies a protobuf payload as OTLP logs, traces or metrics.
//
// The protobuf wire format is not self-describing: the three OTLP envelopes
// share the same top-level shape, and a buffer written for one schema often
// unmarshals without error into another. Decode therefore tries the schemas in
// a fixed priority order and accepts a schema only when the decoded tree also
// passes structural plausibility checks.
package sniff

import (
	"errors"
	"fmt"
	"io"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/otelgate/internal/model"
)

// Schema names, in default priority order.
const (
	SchemaLogs    = "logs"
	SchemaTraces  = "traces"
	SchemaMetrics = "metrics"
)

// DefaultOrder is the fixed priority used by NewDecoder.
var DefaultOrder = []string{SchemaLogs, SchemaTraces, SchemaMetrics}

// Status is the result class of one decode attempt.
type Status int

const (
	Matched Status = iota + 1
	StructurallyInvalid
	Empty
)

func (s Status) String() string {
	switch s {
	case Matched:
		return "matched"
	case StructurallyInvalid:
		return "structurally_invalid"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Outcome is the result of attempting one schema against a buffer.
type Outcome struct {
	Status Status
	Record *model.DecodedRecord // set when Status == Matched
	Err    error                // set when Status == StructurallyInvalid
}

// Decoder tries OTLP schemas in priority order.
type Decoder struct {
	order []string
}

// NewDecoder returns a decoder using DefaultOrder.
func NewDecoder() *Decoder {
	return &Decoder{order: DefaultOrder}
}

// Order returns the schema priority order.
func (d *Decoder) Order() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Decode returns the first plausible match, or an unrecognized record that
// carries the raw bytes and one attempt per schema tried.
func (d *Decoder) Decode(buf []byte) *model.DecodedRecord {
	if len(buf) == 0 {
		return &model.DecodedRecord{Kind: model.KindUnrecognized, Payload: buf}
	}

	var attempts []model.SchemaAttempt
	for _, schema := range d.order {
		out := d.Attempt(schema, buf)
		switch out.Status {
		case Matched:
			return out.Record
		case StructurallyInvalid:
			attempts = append(attempts, model.SchemaAttempt{Schema: schema, Err: out.Err.Error()})
		}
	}

	return &model.DecodedRecord{
		Kind:      model.KindUnrecognized,
		Payload:   buf,
		Attempts:  attempts,
		Truncated: isTruncated(buf),
	}
}

// Attempt decodes buf as one schema and validates the result.
func (d *Decoder) Attempt(schema string, buf []byte) Outcome {
	if len(buf) == 0 {
		return Outcome{Status: Empty}
	}

	switch schema {
	case SchemaLogs:
		msg := &logspb.LogsData{}
		if err := proto.Unmarshal(buf, msg); err != nil {
			return invalid(err)
		}
		if err := validateLogs(msg); err != nil {
			return invalid(err)
		}
		return matched(&model.DecodedRecord{Kind: model.KindLogs, Logs: msg, Payload: buf})
	case SchemaTraces:
		msg := &tracepb.TracesData{}
		if err := proto.Unmarshal(buf, msg); err != nil {
			return invalid(err)
		}
		if err := validateTraces(msg); err != nil {
			return invalid(err)
		}
		return matched(&model.DecodedRecord{Kind: model.KindTraces, Traces: msg, Payload: buf})
	case SchemaMetrics:
		msg := &metricspb.MetricsData{}
		if err := proto.Unmarshal(buf, msg); err != nil {
			return invalid(err)
		}
		if err := validateMetrics(msg); err != nil {
			return invalid(err)
		}
		return matched(&model.DecodedRecord{Kind: model.KindMetrics, Metrics: msg, Payload: buf})
	default:
		return invalid(fmt.Errorf("unknown schema %q", schema))
	}
}

func matched(rec *model.DecodedRecord) Outcome {
	return Outcome{Status: Matched, Record: rec}
}

func invalid(err error) Outcome {
	return Outcome{Status: StructurallyInvalid, Err: err}
}

// isTruncated walks the top-level wire fields and reports whether the buffer
// ends in the middle of one. Nested truncation surfaces here too, since the
// enclosing length prefix then overruns the buffer.
func isTruncated(buf []byte) bool {
	for len(buf) > 0 {
		_, _, n := protowire.ConsumeField(buf)
		if n < 0 {
			return errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF)
		}
		buf = buf[n:]
	}
	return false
}
