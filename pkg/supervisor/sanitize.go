package supervisor

import "regexp"

// Redacted replaces values stored under sensitive keys.
const Redacted = "[REDACTED]"

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey|cvv|card|ssn|credential)`)

// Sanitize deep-copies args, masking every value whose key matches the
// sensitive-key pattern. The input is never mutated; the copy is what
// the approval queue and accepted responses carry.
func Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		if sensitiveKeyPattern.MatchString(key) {
			out[key] = Redacted
			continue
		}
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	}
	return v
}
