package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreRisk(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"exec tool", "system.exec", map[string]any{}, RiskHigh},
		{"kill tool", "process.kill", nil, RiskHigh},
		{"file write", "file.write", map[string]any{}, RiskHigh},
		{"network request", "network.request", nil, RiskHigh},
		{"proxy", "net.proxy", nil, RiskHigh},
		{"file read", "file.read", map[string]any{}, RiskMedium},
		{"clipboard", "clipboard.get", nil, RiskMedium},
		{"env", "sys.env", nil, RiskMedium},
		{"benign", "notes.append", map[string]any{"text": "hello"}, RiskLow},
		{
			"path traversal scores high",
			"notes.append",
			map[string]any{"target": "../../etc/passwd"},
			RiskHigh,
		},
		{
			"risky key alone is medium",
			"notes.append",
			map[string]any{"command": "hello"},
			RiskMedium,
		},
		{
			"risky key plus long value is high",
			"notes.append",
			map[string]any{"query": strings.Repeat("a", 600)},
			RiskHigh,
		},
		{
			"sql verbs score high",
			"notes.append",
			map[string]any{"q": "DROP TABLE users"},
			RiskHigh,
		},
		{
			"shell escape in nested args",
			"notes.append",
			map[string]any{"opts": map[string]any{"x": "powershell -enc"}},
			RiskHigh,
		},
		{
			"rm -rf",
			"notes.append",
			map[string]any{"x": "rm -rf /"},
			RiskHigh,
		},
		{
			"list values scanned",
			"notes.append",
			map[string]any{"items": []any{"ok", "eval(danger)"}},
			RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreRisk(tt.tool, tt.args))
		})
	}
}

func TestScoreRiskIsDeterministic(t *testing.T) {
	args := map[string]any{"command": "ls", "path": "/tmp"}
	first := ScoreRisk("system.exec", args)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ScoreRisk("system.exec", args))
	}
}

func TestSanitize(t *testing.T) {
	args := map[string]any{
		"path":    "/tmp/x",
		"API_KEY": "sk-123",
		"nested": map[string]any{
			"Password": "hunter2",
			"keep":     "me",
		},
		"list": []any{
			map[string]any{"cvv": "123"},
			"plain",
		},
	}

	out := Sanitize(args)

	assert.Equal(t, "/tmp/x", out["path"])
	assert.Equal(t, Redacted, out["API_KEY"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["Password"])
	assert.Equal(t, "me", nested["keep"])
	list := out["list"].([]any)
	assert.Equal(t, Redacted, list[0].(map[string]any)["cvv"])
	assert.Equal(t, "plain", list[1])

	// Original untouched.
	assert.Equal(t, "sk-123", args["API_KEY"])
	assert.Equal(t, "hunter2", args["nested"].(map[string]any)["Password"])
}

func TestSanitizeNil(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
}
