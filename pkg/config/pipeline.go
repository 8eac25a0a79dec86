package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvCapabilities overrides the capability allow-set granted to agents.
// Comma-separated capability names, or "ALL" for everything.
const EnvCapabilities = "GATEWAY_CAPABILITIES"

// EnvContentRules holds comma-separated literal patterns merged into the
// rule set on every reload. Ephemeral: never written to the rules file.
const EnvContentRules = "GATEWAY_CONTENT_RULES"

// ApprovalsConfig controls the approval queue that gates dangerous
// tool calls on a human decision.
type ApprovalsConfig struct {
	// TimeoutSeconds is how long a pending approval may wait before the
	// reaper rejects it. Zero disables the reaper entirely.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" jsonschema:"default=300,minimum=0"`

	// QueueThreshold raises a gateway.alert when the pending count
	// crosses it. Zero disables the alert.
	QueueThreshold int `yaml:"queue_threshold" json:"queue_threshold" jsonschema:"default=0,minimum=0"`

	// GateTimeoutSeconds bounds how long a dispatched tool call blocks
	// waiting for its approval decision.
	GateTimeoutSeconds int `yaml:"gate_timeout_seconds" json:"gate_timeout_seconds" jsonschema:"default=120,minimum=1"`
}

func (c *ApprovalsConfig) SetDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 300
	}
	if c.GateTimeoutSeconds == 0 {
		c.GateTimeoutSeconds = 120
	}
}

func (c *ApprovalsConfig) Validate() error {
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be non-negative")
	}
	if c.QueueThreshold < 0 {
		return fmt.Errorf("queue_threshold must be non-negative")
	}
	if c.GateTimeoutSeconds < 1 {
		return fmt.Errorf("gate_timeout_seconds must be at least 1")
	}
	return nil
}

// AlertsConfig tunes the background monitors that watch worker
// liveness and validation-error rates.
type AlertsConfig struct {
	// WorkerCheckIntervalSeconds is the heartbeat sweep period.
	WorkerCheckIntervalSeconds int `yaml:"worker_check_interval_seconds" json:"worker_check_interval_seconds" jsonschema:"default=30,minimum=5"`

	// ValidationErrorWindowSeconds is the sliding window over which
	// schema validation failures are counted.
	ValidationErrorWindowSeconds int `yaml:"validation_error_window_seconds" json:"validation_error_window_seconds" jsonschema:"default=60,minimum=1"`

	// ValidationErrorThreshold fires an alert once the window count
	// reaches it.
	ValidationErrorThreshold int `yaml:"validation_error_threshold" json:"validation_error_threshold" jsonschema:"default=10,minimum=1"`
}

func (c *AlertsConfig) SetDefaults() {
	if c.WorkerCheckIntervalSeconds == 0 {
		c.WorkerCheckIntervalSeconds = 30
	}
	if c.ValidationErrorWindowSeconds == 0 {
		c.ValidationErrorWindowSeconds = 60
	}
	if c.ValidationErrorThreshold == 0 {
		c.ValidationErrorThreshold = 10
	}
}

func (c *AlertsConfig) Validate() error {
	if c.WorkerCheckIntervalSeconds < 5 {
		return fmt.Errorf("worker_check_interval_seconds must be at least 5")
	}
	if c.ValidationErrorWindowSeconds < 1 {
		return fmt.Errorf("validation_error_window_seconds must be at least 1")
	}
	if c.ValidationErrorThreshold < 1 {
		return fmt.Errorf("validation_error_threshold must be at least 1")
	}
	return nil
}

// PolicyConfig locates the content-rule set applied to tool-call
// arguments before dispatch.
type PolicyConfig struct {
	// RulesFile holds persisted rules managed through the admin API.
	RulesFile string `yaml:"rules_file,omitempty" json:"rules_file,omitempty"`

	// Rules defined inline in the config file. Loaded before the rules
	// file and the GATEWAY_CONTENT_RULES overlay.
	Rules []ContentRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ContentRule is a single policy rule. Mode selects the match engine:
// "literal" (case-insensitive substring, the default), "regex", or
// "expr" for CEL expressions over {tool, args, text}.
type ContentRule struct {
	Label   string `yaml:"label" json:"label"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Mode    string `yaml:"mode,omitempty" json:"mode,omitempty" jsonschema:"enum=literal,enum=regex,enum=expr,default=literal"`
}

func (c *PolicyConfig) SetDefaults() {
	for i := range c.Rules {
		if c.Rules[i].Mode == "" {
			c.Rules[i].Mode = "literal"
		}
	}
}

func (c *PolicyConfig) Validate() error {
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.Label == "" {
			return fmt.Errorf("content rule missing label")
		}
		if seen[r.Label] {
			return fmt.Errorf("duplicate content rule label: %s", r.Label)
		}
		seen[r.Label] = true
		if r.Pattern == "" {
			return fmt.Errorf("content rule %s: pattern is required", r.Label)
		}
		switch r.Mode {
		case "", "literal", "regex", "expr":
		default:
			return fmt.Errorf("content rule %s: unknown mode %q", r.Label, r.Mode)
		}
	}
	return nil
}

// ResolvePaths fills the rules file path relative to the data dir.
func (c *PolicyConfig) ResolvePaths(dataDir string) {
	if c.RulesFile == "" {
		c.RulesFile = filepath.Join(dataDir, "policy_rules.json")
	}
}

// CapabilityConfig locates tool manifests and schemas and sets the
// capability grant for connecting agents.
type CapabilityConfig struct {
	// ManifestDir holds one <tool>.json manifest per tool.
	ManifestDir string `yaml:"manifest_dir,omitempty" json:"manifest_dir,omitempty"`

	// SchemaDir holds per-tool JSON Schemas keyed by tool name.
	SchemaDir string `yaml:"schema_dir,omitempty" json:"schema_dir,omitempty"`

	// DefaultCapabilities is the allow-set granted to agents. "ALL"
	// grants everything. Overridden by GATEWAY_CAPABILITIES at boot.
	DefaultCapabilities []string `yaml:"default_capabilities,omitempty" json:"default_capabilities,omitempty"`
}

func (c *CapabilityConfig) SetDefaults() {
	if len(c.DefaultCapabilities) == 0 {
		c.DefaultCapabilities = []string{"fs.read", "browser.dom"}
	}
	if env := strings.TrimSpace(os.Getenv(EnvCapabilities)); env != "" {
		caps := make([]string, 0, 4)
		for _, cap := range strings.Split(env, ",") {
			if cap = strings.TrimSpace(cap); cap != "" {
				caps = append(caps, cap)
			}
		}
		if len(caps) > 0 {
			c.DefaultCapabilities = caps
		}
	}
}

func (c *CapabilityConfig) Validate() error {
	return nil
}

// ResolvePaths fills directory defaults relative to the data dir.
func (c *CapabilityConfig) ResolvePaths(dataDir string) {
	if c.ManifestDir == "" {
		c.ManifestDir = filepath.Join(dataDir, "manifests")
	}
	if c.SchemaDir == "" {
		c.SchemaDir = filepath.Join(dataDir, "schemas")
	}
}
