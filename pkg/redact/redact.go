package redact

import (
	"regexp"
	"strings"
)

// Mask is the replacement written over redacted values
const Mask = "[REDACTED]"

// sensitiveFields are matched case-insensitively against map keys
var sensitiveFields = map[string]bool{
	"secret":        true,
	"token":         true,
	"authorization": true,
	"apikey":        true,
	"api_key":       true,
	"password":      true,
	"credentials":   true,
	"private_key":   true,
	"privatekey":    true,
}

// credentialPatterns match common credential shapes inside string values
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

// Value returns a copy of v with sensitive fields and credential-shaped
// strings masked. Maps and slices are copied; other types pass through.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = Value(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = String(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = Value(elem)
		}
		return out
	case string:
		return String(t)
	default:
		return v
	}
}

// Map redacts a string-keyed map in place-safe copy form
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Value(m).(map[string]any)
}

// String masks credential-shaped substrings of s
func String(s string) string {
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}

func isSensitiveKey(k string) bool {
	return sensitiveFields[strings.ToLower(k)]
}
