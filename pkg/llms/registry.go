package llms

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Registry holds the constructed provider adapters keyed by their
// configured name. Providers whose key cannot be resolved are skipped
// at boot with a warning; they can be brought online later by setting
// the key and restarting.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds adapters for each configured provider. Inline
// api_key wins, then the key store (env first, file fallback).
func NewRegistry(cfgs map[string]config.LLMProviderConfig, keys *KeyStore, allow *Allowlist) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}

	for name, cfg := range cfgs {
		apiKey := cfg.APIKey
		if apiKey == "" && keys != nil {
			apiKey, _ = keys.Resolve(name)
		}

		provider, err := buildProvider(name, cfg, apiKey, allow)
		if err != nil {
			slog.Warn("Skipping LLM provider", "provider", name, "type", cfg.Type, "error", err)
			continue
		}
		r.providers[name] = provider
	}
	return r, nil
}

func buildProvider(name string, cfg config.LLMProviderConfig, apiKey string, allow *Allowlist) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAI(name, cfg, apiKey, allow)
	case "anthropic":
		return NewAnthropic(name, cfg, apiKey, allow)
	case "gemini":
		return NewGemini(name, cfg, apiKey, allow)
	case "ollama":
		return NewOllama(name, cfg, allow)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

// Register adds (or replaces) a provider. Used by tests and by setups
// that construct adapters manually.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
