package command

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Redacted replaces sensitive values in logged payloads and results.
const Redacted = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)password|token|secret`)

// Sanitize returns a JSON-shaped copy of v with every map value whose key
// matches password, token or secret (case-insensitive) replaced by
// Redacted. Structs are converted through their JSON encoding first, so
// their json tags decide the key names.
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Sanitize(e)
		}
		return out
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	return Sanitize(generic)
}
