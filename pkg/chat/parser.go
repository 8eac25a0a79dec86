package chat

import (
	"encoding/json"
	"strings"
)

// toolCallAnchor marks a structured tool invocation in assistant output.
const toolCallAnchor = "TOOL_CALL:"

// maxToolCallBytes bounds a single call object. Anything longer stays in
// the narration.
const maxToolCallBytes = 16384

// ToolCall is one tool invocation parsed out of assistant output.
type ToolCall struct {
	Tool string
	Args map[string]any
	Raw  string
}

// ExtractToolCalls splits assistant output into narration and structured
// tool calls. A call is the anchor followed by a balanced JSON object
// carrying a tool name; candidates that fail to parse are left in the
// narration untouched.
func ExtractToolCalls(content string) (string, []ToolCall) {
	var narration strings.Builder
	var calls []ToolCall

	rest := content
	for {
		idx := strings.Index(rest, toolCallAnchor)
		if idx < 0 {
			narration.WriteString(rest)
			break
		}

		narration.WriteString(rest[:idx])
		candidate := rest[idx:]

		span, call, ok := parseCall(candidate)
		if !ok {
			narration.WriteString(toolCallAnchor)
			rest = candidate[len(toolCallAnchor):]
			continue
		}

		calls = append(calls, call)
		rest = candidate[span:]
	}

	return strings.TrimSpace(narration.String()), calls
}

// parseCall reads one call from the start of s, which begins with the
// anchor. It returns the consumed span in bytes.
func parseCall(s string) (int, ToolCall, bool) {
	body := s[len(toolCallAnchor):]

	// Horizontal whitespace between the anchor and the object is fine.
	pad := 0
	for pad < len(body) && (body[pad] == ' ' || body[pad] == '\t') {
		pad++
	}
	body = body[pad:]

	objLen := balancedObject(body)
	if objLen == 0 {
		return 0, ToolCall{}, false
	}

	var payload struct {
		Tool string         `json:"tool"`
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(body[:objLen]), &payload); err != nil {
		return 0, ToolCall{}, false
	}
	tool := payload.Tool
	if tool == "" {
		tool = payload.Name
	}
	if tool == "" {
		return 0, ToolCall{}, false
	}
	args := payload.Args
	if args == nil {
		args = map[string]any{}
	}

	span := len(toolCallAnchor) + pad + objLen
	return span, ToolCall{Tool: tool, Args: args, Raw: s[:span]}, true
}

// balancedObject returns the length of the JSON object at the start of s,
// or 0 when s does not open with one that closes within the size cap.
// Braces inside quoted strings and backslash escapes do not count.
func balancedObject(s string) int {
	if len(s) == 0 || s[0] != '{' {
		return 0
	}

	limit := len(s)
	if limit > maxToolCallBytes {
		limit = maxToolCallBytes
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < limit; i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}
