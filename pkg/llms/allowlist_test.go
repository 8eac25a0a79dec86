package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
)

func TestAllowlistDefaultsCoverVendorOrigins(t *testing.T) {
	allow := NewAllowlist(nil)

	assert.NoError(t, allow.Check("https://api.openai.com/v1/chat/completions"))
	assert.NoError(t, allow.Check("https://api.anthropic.com/v1/messages"))
	assert.NoError(t, allow.Check("https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"))
	assert.NoError(t, allow.Check("http://localhost:11434/api/chat"))
	assert.NoError(t, allow.Check("http://127.0.0.1:11434/api/tags"))

	assert.Error(t, allow.Check("https://evil.example.com/v1/chat/completions"))
	// Prefix matching is strict: a lookalike origin must not pass.
	assert.Error(t, allow.Check("https://api.openai.com.evil.example.com/v1"))
}

func TestAllowlistExplicitPrefixesReplaceDefaults(t *testing.T) {
	allow := NewAllowlist([]string{"https://proxy.corp.internal"})

	assert.NoError(t, allow.Check("https://proxy.corp.internal/openai/v1/chat/completions"))
	assert.Error(t, allow.Check("https://api.openai.com/v1/chat/completions"))
}

func TestAllowlistFromEnv(t *testing.T) {
	t.Setenv(config.EnvOutboundAllowlist, "https://a.test, https://b.test ,")
	allow := AllowlistFromEnv()

	assert.NoError(t, allow.Check("https://a.test/x"))
	assert.NoError(t, allow.Check("https://b.test/y"))
	assert.Error(t, allow.Check("https://api.openai.com/v1"))
	require.Len(t, allow.Prefixes(), 2)
}

func TestAllowlistFromEnvWhitespaceKeepsBuiltins(t *testing.T) {
	t.Setenv(config.EnvOutboundAllowlist, "   ")
	allow := AllowlistFromEnv()

	assert.NoError(t, allow.Check("https://api.openai.com/v1/chat/completions"))
}
