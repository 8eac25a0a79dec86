package config

import (
	"fmt"
	"path/filepath"
)

// EnvAuditKey names the base64 32-byte key that turns on audit-log
// encryption. Unset or malformed means plaintext JSONL.
const EnvAuditKey = "GATEWAY_AUDIT_KEY"

// AuditConfig locates the append-only audit log.
type AuditConfig struct {
	// File is the JSONL audit log path.
	File string `yaml:"file,omitempty" json:"file,omitempty" jsonschema:"title=Audit File"`
}

func (c *AuditConfig) SetDefaults() {}

func (c *AuditConfig) Validate() error { return nil }

func (c *AuditConfig) ResolvePaths(dataDir string) {
	if c.File == "" {
		c.File = filepath.Join(dataDir, "audit.jsonl")
	}
}

// WebhookConfig tunes the outbound webhook dispatcher.
type WebhookConfig struct {
	// File persists the hook registry as JSON.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// MaxRetries is the total delivery attempt count per event.
	MaxRetries int `yaml:"max_retries" json:"max_retries" jsonschema:"default=3,minimum=1"`

	// TimeoutSeconds bounds each delivery POST.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" jsonschema:"default=5,minimum=1"`

	// Workers caps concurrent deliveries.
	Workers int `yaml:"workers" json:"workers" jsonschema:"default=4,minimum=1,maximum=4"`
}

func (c *WebhookConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 5
	}
	if c.Workers == 0 || c.Workers > 4 {
		c.Workers = 4
	}
}

func (c *WebhookConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

func (c *WebhookConfig) ResolvePaths(dataDir string) {
	if c.File == "" {
		c.File = filepath.Join(dataDir, "webhooks.json")
	}
}

// SchedulerConfig controls the recurring-task runner.
type SchedulerConfig struct {
	// Enabled starts the 1s tick loop. Defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled" jsonschema:"default=true"`

	// File persists the task table as JSON.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

func (c *SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *SchedulerConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
}

func (c *SchedulerConfig) Validate() error { return nil }

func (c *SchedulerConfig) ResolvePaths(dataDir string) {
	if c.File == "" {
		c.File = filepath.Join(dataDir, "schedule.json")
	}
}

// MemoryConfig locates per-agent key/value memory files.
type MemoryConfig struct {
	// Dir holds one <agent_id>.json per agent.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

func (c *MemoryConfig) SetDefaults() {}

func (c *MemoryConfig) Validate() error { return nil }

func (c *MemoryConfig) ResolvePaths(dataDir string) {
	if c.Dir == "" {
		c.Dir = filepath.Join(dataDir, "memory")
	}
}

// ConsentConfig locates the context-share consent log.
type ConsentConfig struct {
	// File is the JSONL consent log path.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

func (c *ConsentConfig) SetDefaults() {}

func (c *ConsentConfig) Validate() error { return nil }

func (c *ConsentConfig) ResolvePaths(dataDir string) {
	if c.File == "" {
		c.File = filepath.Join(dataDir, "consent.jsonl")
	}
}
