package config

import (
	"fmt"
	"path/filepath"
)

// EnvOutboundAllowlist overrides the outbound LLM origin allow-list
// (comma-separated URL prefixes). Unset or whitespace-only keeps the
// built-in vendor origins.
const EnvOutboundAllowlist = "GATEWAY_OUTBOUND_ALLOWLIST"

// LLMProviderConfig describes one upstream LLM provider.
type LLMProviderConfig struct {
	// Type selects the wire adapter: openai, anthropic, gemini, ollama.
	Type string `yaml:"type" json:"type" jsonschema:"enum=openai,enum=anthropic,enum=gemini,enum=ollama"`

	// Model is the default model for this provider.
	Model string `yaml:"model" json:"model"`

	// BaseURL overrides the vendor endpoint. Must pass the outbound
	// allow-list before any request is made.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey may be inlined (usually via ${ENV} expansion). When empty the
	// key store resolves it: provider env var first, keys file second.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// MaxTokens caps the completion length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"default=4096"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"default=0.7"`

	// TimeoutSeconds bounds one completion request.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" jsonschema:"default=120"`

	// MaxRetries is the in-place HTTP retry budget (failover is separate).
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=2"`
}

// SetDefaults fills per-provider defaults. The map key doubles as the
// type when the type is omitted and the key names a known vendor.
func (c *LLMProviderConfig) SetDefaults(name string) {
	if c.Type == "" {
		switch name {
		case "openai", "anthropic", "gemini", "ollama":
			c.Type = name
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "gemini", "ollama":
	case "":
		return fmt.Errorf("type is required (openai, anthropic, gemini, ollama)")
	default:
		return fmt.Errorf("unsupported type %q (valid: openai, anthropic, gemini, ollama)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1")
	}
	return nil
}

// FailoverEntry is one link in the failover chain.
type FailoverEntry struct {
	Provider string `yaml:"provider" json:"provider"`
	// Model overrides the provider's default model for failover calls.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// FailoverConfig orders providers for automatic failover. The primary is
// tried first; chain entries follow in order, skipping providers still
// cooling down from a recent failure.
type FailoverConfig struct {
	// Primary is the provider used for every request until it fails.
	Primary string `yaml:"primary,omitempty" json:"primary,omitempty"`

	// Chain lists fallback providers in preference order.
	Chain []FailoverEntry `yaml:"chain,omitempty" json:"chain,omitempty"`

	// CooldownBaseSeconds is the first cooldown after a failure; it
	// doubles on each repeat up to CooldownMaxSeconds.
	CooldownBaseSeconds int `yaml:"cooldown_base_seconds" json:"cooldown_base_seconds" jsonschema:"default=30,minimum=1"`

	// CooldownMaxSeconds is the backoff ceiling.
	CooldownMaxSeconds int `yaml:"cooldown_max_seconds" json:"cooldown_max_seconds" jsonschema:"default=600,minimum=1"`
}

func (c *FailoverConfig) SetDefaults() {
	if c.CooldownBaseSeconds == 0 {
		c.CooldownBaseSeconds = 30
	}
	if c.CooldownMaxSeconds == 0 {
		c.CooldownMaxSeconds = 600
	}
}

func (c *FailoverConfig) Validate() error {
	if c.CooldownBaseSeconds < 1 {
		return fmt.Errorf("cooldown_base_seconds must be at least 1")
	}
	if c.CooldownMaxSeconds < c.CooldownBaseSeconds {
		return fmt.Errorf("cooldown_max_seconds must be >= cooldown_base_seconds")
	}
	return nil
}

// KeysConfig locates the provider key store and its metadata sidecar.
type KeysConfig struct {
	// File is the JSON fallback key store consulted when the provider's
	// environment variable is unset.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// MetadataFile tracks {set_at, expires_at, last_rotated} per provider.
	MetadataFile string `yaml:"metadata_file,omitempty" json:"metadata_file,omitempty"`

	// DefaultTTLDays stamps expires_at on newly set keys. Zero means
	// keys never expire.
	DefaultTTLDays int `yaml:"default_ttl_days,omitempty" json:"default_ttl_days,omitempty" jsonschema:"default=0,minimum=0"`
}

func (c *KeysConfig) SetDefaults() {}

func (c *KeysConfig) Validate() error {
	if c.DefaultTTLDays < 0 {
		return fmt.Errorf("default_ttl_days must be non-negative")
	}
	return nil
}

func (c *KeysConfig) ResolvePaths(dataDir string) {
	if c.File == "" {
		c.File = filepath.Join(dataDir, "provider_keys.json")
	}
	if c.MetadataFile == "" {
		c.MetadataFile = filepath.Join(dataDir, "provider_key_metadata.json")
	}
}
