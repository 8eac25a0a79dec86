package llms

import (
	"fmt"
	"os"
	"strings"

	"github.com/intelliclaw/gateway/pkg/config"
)

// builtinOrigins is the default outbound allow-list: the vendor API
// origins plus localhost for Ollama.
var builtinOrigins = []string{
	"https://api.openai.com",
	"https://api.anthropic.com",
	"https://generativelanguage.googleapis.com",
	"http://localhost:11434",
	"http://127.0.0.1:11434",
}

// Allowlist gates every outbound provider URL by prefix match. Adapters
// must consult it before opening any connection.
type Allowlist struct {
	prefixes []string
}

// NewAllowlist builds a list from explicit prefixes. An empty slice
// falls back to the built-in origins.
func NewAllowlist(prefixes []string) *Allowlist {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = builtinOrigins
	}
	return &Allowlist{prefixes: cleaned}
}

// AllowlistFromEnv reads the comma-separated override env var. Unset or
// whitespace-only keeps the built-ins.
func AllowlistFromEnv() *Allowlist {
	raw := strings.TrimSpace(os.Getenv(config.EnvOutboundAllowlist))
	if raw == "" {
		return NewAllowlist(nil)
	}
	return NewAllowlist(strings.Split(raw, ","))
}

// Check returns an error unless url starts with an allowed prefix.
func (a *Allowlist) Check(url string) error {
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("outbound URL %q is not covered by the allow-list", url)
}

// Prefixes returns a copy for status reporting.
func (a *Allowlist) Prefixes() []string {
	out := make([]string, len(a.prefixes))
	copy(out, a.prefixes)
	return out
}
