package sniff

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	traceIDLen = 16
	spanIDLen  = 8

	maxSeverityNumber = int32(logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4)
	maxSpanKind       = int32(tracepb.Span_SPAN_KIND_CONSUMER)
)

var (
	errNoResources   = errors.New("no resource entries")
	errUnknownFields = errors.New("unknown or mistyped fields present")
)

func validateLogs(msg *logspb.LogsData) error {
	if len(msg.GetResourceLogs()) == 0 {
		return errNoResources
	}
	if hasUnknownFields(msg) {
		return errUnknownFields
	}
	for _, rl := range msg.GetResourceLogs() {
		for _, sl := range rl.GetScopeLogs() {
			for i, lr := range sl.GetLogRecords() {
				if n := int32(lr.GetSeverityNumber()); n < 0 || n > maxSeverityNumber {
					return fmt.Errorf("log record %d: severity number %d out of range", i, n)
				}
				if err := optionalID("trace_id", lr.GetTraceId(), traceIDLen); err != nil {
					return fmt.Errorf("log record %d: %w", i, err)
				}
				if err := optionalID("span_id", lr.GetSpanId(), spanIDLen); err != nil {
					return fmt.Errorf("log record %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func validateTraces(msg *tracepb.TracesData) error {
	if len(msg.GetResourceSpans()) == 0 {
		return errNoResources
	}
	if hasUnknownFields(msg) {
		return errUnknownFields
	}
	for _, rs := range msg.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for i, span := range ss.GetSpans() {
				if len(span.GetTraceId()) != traceIDLen {
					return fmt.Errorf("span %d: trace_id length %d", i, len(span.GetTraceId()))
				}
				if len(span.GetSpanId()) != spanIDLen {
					return fmt.Errorf("span %d: span_id length %d", i, len(span.GetSpanId()))
				}
				if err := optionalID("parent_span_id", span.GetParentSpanId(), spanIDLen); err != nil {
					return fmt.Errorf("span %d: %w", i, err)
				}
				if k := int32(span.GetKind()); k < 0 || k > maxSpanKind {
					return fmt.Errorf("span %d: kind %d out of range", i, k)
				}
				start, end := span.GetStartTimeUnixNano(), span.GetEndTimeUnixNano()
				if start == 0 {
					return fmt.Errorf("span %d: start_time_unix_nano is zero", i)
				}
				if end < start {
					return fmt.Errorf("span %d: end_time_unix_nano %d before start %d", i, end, start)
				}
				if hasControl(span.GetName()) {
					return fmt.Errorf("span %d: name contains control characters", i)
				}
			}
		}
	}
	return nil
}

func validateMetrics(msg *metricspb.MetricsData) error {
	if len(msg.GetResourceMetrics()) == 0 {
		return errNoResources
	}
	if hasUnknownFields(msg) {
		return errUnknownFields
	}
	for _, rm := range msg.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for i, m := range sm.GetMetrics() {
				if m.GetName() == "" {
					return fmt.Errorf("metric %d: empty name", i)
				}
			}
		}
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

func optionalID(field string, id []byte, want int) error {
	if len(id) != 0 && len(id) != want {
		return fmt.Errorf("%s length %d, want 0 or %d", field, len(id), want)
	}
	return nil
}

// hasUnknownFields reports whether any message in the tree kept unknown bytes.
// Protobuf stores a known field number arriving with the wrong wire type as an
// unknown field, so this is what catches a buffer written for another schema.
func hasUnknownFields(m proto.Message) bool {
	return unknownIn(m.ProtoReflect())
}

func unknownIn(m protoreflect.Message) bool {
	if len(m.GetUnknown()) > 0 {
		return true
	}
	found := false
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			if fd.MapValue().Message() == nil {
				return true
			}
			v.Map().Range(func(_ protoreflect.MapKey, mv protoreflect.Value) bool {
				found = unknownIn(mv.Message())
				return !found
			})
		case fd.IsList():
			if fd.Message() == nil {
				return true
			}
			list := v.List()
			for i := 0; i < list.Len() && !found; i++ {
				found = unknownIn(list.Get(i).Message())
			}
		case fd.Message() != nil:
			found = unknownIn(v.Message())
		}
		return !found
	})
	return found
}
