package ingest

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// serviceKeys are checked in order when deriving a service name.
var serviceKeys = []string{"service.name", "service", "serviceName", "app", "name"}

// ExtractService returns the service name found in attributes, or "unknown".
func ExtractService(attributes map[string]string) string {
	for _, k := range serviceKeys {
		if s := attributes[k]; s != "" {
			return s
		}
	}
	return "unknown"
}

// attributeMap flattens OTLP key/values, skipping empty keys and values.
func attributeMap(kvs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	mergeKeyValues(out, kvs)
	return out
}

func mergeKeyValues(dst map[string]string, kvs []*commonpb.KeyValue) {
	for _, kv := range kvs {
		if kv.GetKey() == "" {
			continue
		}
		if v := AnyValueString(kv.GetValue()); v != "" {
			dst[kv.GetKey()] = v
		}
	}
}

// AnyValueString renders an OTLP AnyValue as a flat string. Arrays are joined
// with commas and key/value lists are encoded as a JSON object.
func AnyValueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			if s := AnyValueString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case *commonpb.AnyValue_KvlistValue:
		m := attributeMap(val.KvlistValue.GetValues())
		if len(m) == 0 {
			return ""
		}
		b, err := json.Marshal(m)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

func cloneAttributes(attributes map[string]string) map[string]string {
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}

func hexID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	return hex.EncodeToString(id)
}

// sanitize collapses tabs and line breaks so a body fits on one line.
func sanitize(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}
