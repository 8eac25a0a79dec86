package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FormatResult renders a tool result for the conversation: structured
// values become indented JSON, scalars pass through as text.
func FormatResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// TruncateForDisplay cuts s to at most max bytes for event payloads.
func TruncateForDisplay(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// coerceArgs repairs the number types JSON hands us against the tool's
// declared schema: integer-typed parameters arriving as float64 or as
// numeric strings become ints. Anything else is left for the tool to
// reject.
func coerceArgs(args map[string]any, schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return args
	}
	for key, spec := range props {
		ps, _ := spec.(map[string]any)
		if ps == nil || ps["type"] != "integer" {
			continue
		}
		switch v := args[key].(type) {
		case float64:
			if v == float64(int64(v)) {
				args[key] = int(v)
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				args[key] = n
			}
		}
	}
	return args
}
