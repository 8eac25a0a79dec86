package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolCallsPlainText(t *testing.T) {
	narration, calls := ExtractToolCalls("Just an answer, no tools.")

	assert.Equal(t, "Just an answer, no tools.", narration)
	assert.Empty(t, calls)
}

func TestExtractToolCallsSingleCall(t *testing.T) {
	content := "Let me look that up.\nTOOL_CALL: {\"tool\": \"web_search\", \"args\": {\"query\": \"go generics\"}}\n"

	narration, calls := ExtractToolCalls(content)

	assert.Equal(t, "Let me look that up.", narration)
	require.Len(t, calls, 1)
	assert.Equal(t, "web_search", calls[0].Tool)
	assert.Equal(t, map[string]any{"query": "go generics"}, calls[0].Args)
	assert.True(t, strings.HasPrefix(calls[0].Raw, "TOOL_CALL:"))
}

func TestExtractToolCallsNameKeyFallback(t *testing.T) {
	_, calls := ExtractToolCalls(`TOOL_CALL: {"name":"shell_exec","args":{"cmd":"ls"}}`)

	require.Len(t, calls, 1)
	assert.Equal(t, "shell_exec", calls[0].Tool)
	assert.Equal(t, map[string]any{"cmd": "ls"}, calls[0].Args)
}

func TestExtractToolCallsBracesInsideStrings(t *testing.T) {
	content := `TOOL_CALL: {"tool": "echo", "args": {"text": "a { b } } c"}}}`

	narration, calls := ExtractToolCalls(content)

	require.Len(t, calls, 1)
	assert.Equal(t, "a { b } } c", calls[0].Args["text"])
	// The extraction stops at the balanced close; the stray brace is
	// narration.
	assert.Equal(t, "}", narration)
}

func TestExtractToolCallsEscapedQuotes(t *testing.T) {
	content := `TOOL_CALL: {"tool": "echo", "args": {"text": "say \"hi\" {"}}`

	_, calls := ExtractToolCalls(content)

	require.Len(t, calls, 1)
	assert.Equal(t, `say "hi" {`, calls[0].Args["text"])
}

func TestExtractToolCallsNestedArgs(t *testing.T) {
	content := `TOOL_CALL: {"tool": "http_fetch", "args": {"request": {"url": "https://x.test", "headers": {"Accept": "json"}}}}`

	_, calls := ExtractToolCalls(content)

	require.Len(t, calls, 1)
	request, ok := calls[0].Args["request"].(map[string]any)
	require.True(t, ok)
	headers, ok := request["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json", headers["Accept"])
}

func TestExtractToolCallsMultiple(t *testing.T) {
	content := "First:\nTOOL_CALL: {\"tool\": \"a\", \"args\": {}}\nthen\nTOOL_CALL:\t{\"tool\": \"b\", \"args\": {\"n\": 1}}\ndone."

	narration, calls := ExtractToolCalls(content)

	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Tool)
	assert.Equal(t, "b", calls[1].Tool)
	assert.Contains(t, narration, "First:")
	assert.Contains(t, narration, "then")
	assert.Contains(t, narration, "done.")
	assert.NotContains(t, narration, "TOOL_CALL")
}

func TestExtractToolCallsMalformedJSONStaysNarration(t *testing.T) {
	content := `TOOL_CALL: {"tool": "x", "args": {notjson}}`

	narration, calls := ExtractToolCalls(content)

	assert.Empty(t, calls)
	assert.Contains(t, narration, "TOOL_CALL:")
}

func TestExtractToolCallsMissingToolNameStaysNarration(t *testing.T) {
	narration, calls := ExtractToolCalls(`TOOL_CALL: {"args": {"q": 1}}`)

	assert.Empty(t, calls)
	assert.Contains(t, narration, "TOOL_CALL:")
}

func TestExtractToolCallsUnterminatedObjectStaysNarration(t *testing.T) {
	narration, calls := ExtractToolCalls(`TOOL_CALL: {"tool": "x", "args": {"q": "open`)

	assert.Empty(t, calls)
	assert.Contains(t, narration, "TOOL_CALL:")
}

func TestExtractToolCallsOversizedObjectStaysNarration(t *testing.T) {
	content := `TOOL_CALL: {"tool": "x", "args": {"pad": "` + strings.Repeat("a", maxToolCallBytes) + `"}}`

	narration, calls := ExtractToolCalls(content)

	assert.Empty(t, calls)
	assert.Contains(t, narration, "TOOL_CALL:")
}

func TestExtractToolCallsNilArgsBecomesEmptyMap(t *testing.T) {
	_, calls := ExtractToolCalls(`TOOL_CALL: {"tool": "ping"}`)

	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Args)
	assert.Empty(t, calls[0].Args)
}

func TestExtractToolCallsRecoversAfterBadCandidate(t *testing.T) {
	content := "TOOL_CALL: not-json then TOOL_CALL: {\"tool\": \"ok\", \"args\": {}}"

	narration, calls := ExtractToolCalls(content)

	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].Tool)
	assert.Contains(t, narration, "not-json")
}

func TestBalancedObjectDepth(t *testing.T) {
	assert.Equal(t, 2, balancedObject("{}"))
	assert.Equal(t, 0, balancedObject(""))
	assert.Equal(t, 0, balancedObject("nope"))
	assert.Equal(t, 0, balancedObject("{"))
	assert.Equal(t, len(`{"a":{"b":{}}}`), balancedObject(`{"a":{"b":{}}} trailing`))
}
