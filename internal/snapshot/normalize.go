package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Equal reports structural equality of two field values after deep
// normalization. Map key order and int-vs-float encoding differences
// (JSON decodes every number as float64) do not affect the result.
func Equal(a, b any) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

// canonical renders a value as deterministic JSON: map keys sorted
// recursively, numbers normalized through float64, lists kept in order
// with each element normalized.
func canonical(v any) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, Normalize(v))
	return buf.Bytes()
}

// Normalize returns a deep copy of v with a closed set of value kinds:
// map[string]any, []any, float64, string, bool, nil. Unknown types are
// rendered through their JSON encoding as a last resort.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = Normalize(val)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = Normalize(val)
		}
		return l
	default:
		// Structs and other decoder surprises: round-trip through JSON.
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return string(raw)
		}
		return Normalize(out)
	}
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			b, _ = json.Marshal(fmt.Sprintf("%v", t))
		}
		buf.Write(b)
	}
}
