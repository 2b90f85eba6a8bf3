package jsonval

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonical serializes v deterministically: object keys sorted, numbers in
// their shortest round-trippable form, no insignificant whitespace. The output
// is the hashing substrate for dedup tokens, request hashes and diff
// comparisons, so two semantically equal values must always serialize to the
// same bytes.
func Canonical(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// MustCanonical is Canonical for values known to be JSON-representable.
// It panics on unsupported types.
func MustCanonical(v any) string {
	s, err := Canonical(v)
	if err != nil {
		panic(err)
	}
	return s
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		writeString(sb, t)
	case json.Number:
		sb.WriteString(t.String())
	case float64:
		return writeFloat(sb, t)
	case float32:
		return writeFloat(sb, float64(t))
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case []any:
		sb.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return writeCanonical(sb, m)
	default:
		// Structs and other composites round-trip through encoding/json
		// into the supported shapes above.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonical: unsupported value: %w", err)
		}
		var decoded any
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return fmt.Errorf("canonical: decode: %w", err)
		}
		return writeCanonical(sb, decoded)
	}
	return nil
}

func writeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeString(sb *strings.Builder, s string) {
	b, _ := json.Marshal(s)
	sb.Write(b)
}

// Decode parses raw JSON into the tagged shapes Canonical accepts
// (map[string]any, []any, json.Number, string, bool, nil).
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// Equal reports whether a and b canonicalize to the same bytes
func Equal(a, b any) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}
