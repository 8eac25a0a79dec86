// Package config defines the gateway configuration model: one root struct
// decoded from YAML (or JSON) with env expansion, per-section defaults and
// validation, and pluggable config sources.
package config

import (
	"fmt"
)

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig                 `yaml:"server" json:"server"`
	Auth          AuthConfig                   `yaml:"auth" json:"auth"`
	RateLimits    RateLimitConfig              `yaml:"rate_limits" json:"rate_limits"`
	Approvals     ApprovalsConfig              `yaml:"approvals" json:"approvals"`
	Alerts        AlertsConfig                 `yaml:"alerts" json:"alerts"`
	Policy        PolicyConfig                 `yaml:"policy" json:"policy"`
	Capabilities  CapabilityConfig             `yaml:"capabilities" json:"capabilities"`
	Audit         AuditConfig                  `yaml:"audit" json:"audit"`
	Webhooks      WebhookConfig                `yaml:"webhooks" json:"webhooks"`
	Scheduler     SchedulerConfig              `yaml:"scheduler" json:"scheduler"`
	Memory        MemoryConfig                 `yaml:"memory" json:"memory"`
	Consent       ConsentConfig                `yaml:"consent" json:"consent"`
	Sessions      SessionsConfig               `yaml:"sessions" json:"sessions"`
	Providers     map[string]LLMProviderConfig `yaml:"providers" json:"providers"`
	Failover      FailoverConfig               `yaml:"failover" json:"failover"`
	Keys          KeysConfig                   `yaml:"keys" json:"keys"`
	Chat          ChatConfig                   `yaml:"chat" json:"chat"`
	Vector        VectorConfig                 `yaml:"vector" json:"vector"`
	Knowledge     KnowledgeConfig              `yaml:"knowledge" json:"knowledge"`
	Tools         ToolsConfig                  `yaml:"tools" json:"tools"`
	Observability ObservabilityConfig          `yaml:"observability" json:"observability"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	if c.Providers == nil {
		c.Providers = make(map[string]LLMProviderConfig)
	}

	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.RateLimits.SetDefaults()
	c.Approvals.SetDefaults()
	c.Alerts.SetDefaults()
	c.Policy.SetDefaults()
	c.Capabilities.SetDefaults()
	c.Audit.SetDefaults()
	c.Webhooks.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Memory.SetDefaults()
	c.Consent.SetDefaults()
	c.Sessions.SetDefaults()
	c.Failover.SetDefaults()
	c.Keys.SetDefaults()
	c.Chat.SetDefaults()
	c.Vector.SetDefaults()
	c.Knowledge.SetDefaults()
	c.Tools.SetDefaults()
	c.Observability.SetDefaults()

	for name, p := range c.Providers {
		p.SetDefaults(name)
		c.Providers[name] = p
	}

	c.resolvePaths()
}

// resolvePaths fills file and directory defaults relative to data_dir.
func (c *Config) resolvePaths() {
	d := c.Server.DataDir
	c.Auth.ResolvePaths(d)
	c.Policy.ResolvePaths(d)
	c.Capabilities.ResolvePaths(d)
	c.Audit.ResolvePaths(d)
	c.Webhooks.ResolvePaths(d)
	c.Scheduler.ResolvePaths(d)
	c.Memory.ResolvePaths(d)
	c.Consent.ResolvePaths(d)
	c.Sessions.ResolvePaths(d)
	c.Keys.ResolvePaths(d)
	c.Chat.ResolvePaths(d)
	c.Vector.ResolvePaths(d)
	c.Tools.ResolvePaths(d)
}

// Validate checks every section and cross-section references.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"auth", &c.Auth},
		{"rate_limits", &c.RateLimits},
		{"approvals", &c.Approvals},
		{"alerts", &c.Alerts},
		{"policy", &c.Policy},
		{"capabilities", &c.Capabilities},
		{"audit", &c.Audit},
		{"webhooks", &c.Webhooks},
		{"scheduler", &c.Scheduler},
		{"memory", &c.Memory},
		{"consent", &c.Consent},
		{"sessions", &c.Sessions},
		{"failover", &c.Failover},
		{"keys", &c.Keys},
		{"chat", &c.Chat},
		{"vector", &c.Vector},
		{"knowledge", &c.Knowledge},
		{"tools", &c.Tools},
		{"observability", &c.Observability},
	}

	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}

	return c.validateReferences()
}

// validateReferences checks that cross-section provider names resolve.
func (c *Config) validateReferences() error {
	if c.Failover.Primary != "" {
		if _, ok := c.Providers[c.Failover.Primary]; !ok {
			return fmt.Errorf("failover: primary provider %q is not defined", c.Failover.Primary)
		}
	}
	for _, entry := range c.Failover.Chain {
		if _, ok := c.Providers[entry.Provider]; !ok {
			return fmt.Errorf("failover: chain provider %q is not defined", entry.Provider)
		}
	}
	return nil
}

// GetProvider returns the named provider config.
func (c *Config) GetProvider(name string) (LLMProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames lists configured provider names.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}

// BoolPtr returns a pointer to b, for tri-state enable flags.
func BoolPtr(b bool) *bool {
	return &b
}
