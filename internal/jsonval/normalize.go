package jsonval

import (
	"encoding/json"
	"fmt"
	"time"
)

// Normalize converts a decoded YAML or JSON value into the canonical Go shape.
// Unknown types are round-tripped through encoding/json.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string, float64:
		return val
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Normalize(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = Normalize(elem)
		}
		return out
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return string(data)
		}
		return Normalize(out)
	}
}

// Decode parses JSON bytes into a normalized value.
func Decode(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return Normalize(out), nil
}

// TypeOf reports the JavaScript-style type name of a normalized value:
// "object" for maps, arrays and nil, otherwise "boolean", "number" or "string".
func TypeOf(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	default:
		return "object"
	}
}

// IsArray reports whether v is a normalized array.
func IsArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// IsObject reports whether v is a normalized object.
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
