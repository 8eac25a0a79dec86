package config

import (
	"fmt"
	"path/filepath"
)

// ChatConfig tunes the chat/tool-loop engine.
type ChatConfig struct {
	// MaxRounds is the default tool-loop bound. Callers may raise it per
	// request up to the hard cap of 10.
	MaxRounds int `yaml:"max_rounds" json:"max_rounds" jsonschema:"default=5,minimum=1,maximum=10"`

	// PageContextMaxBytes truncates the active-tab HTML snapshot included
	// in the system prompt.
	PageContextMaxBytes int `yaml:"page_context_max_bytes" json:"page_context_max_bytes" jsonschema:"default=8192,minimum=1"`

	// MemoryResults is how many vector-memory snippets the relevant-memory
	// block includes.
	MemoryResults int `yaml:"memory_results" json:"memory_results" jsonschema:"default=4,minimum=1"`

	// CompactTokenBudget is the token budget session compaction aims at.
	// Compaction triggers at 80% of the budget and summarizes down to 60%.
	CompactTokenBudget int `yaml:"compact_token_budget" json:"compact_token_budget" jsonschema:"default=2000,minimum=200"`

	// WorkspaceDir holds the agent identity files (AGENT.md, SOUL.md)
	// rendered into the workspace prompt block.
	WorkspaceDir string `yaml:"workspace_dir,omitempty" json:"workspace_dir,omitempty"`

	// Personas maps persona names to system-prompt blocks.
	Personas map[string]string `yaml:"personas,omitempty" json:"personas,omitempty"`
}

func (c *ChatConfig) SetDefaults() {
	if c.MaxRounds == 0 {
		c.MaxRounds = 5
	}
	if c.PageContextMaxBytes == 0 {
		c.PageContextMaxBytes = 8192
	}
	if c.MemoryResults == 0 {
		c.MemoryResults = 4
	}
	if c.CompactTokenBudget == 0 {
		c.CompactTokenBudget = 2000
	}
}

func (c *ChatConfig) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > 10 {
		return fmt.Errorf("max_rounds must be between 1 and 10, got %d", c.MaxRounds)
	}
	if c.PageContextMaxBytes < 1 {
		return fmt.Errorf("page_context_max_bytes must be positive")
	}
	if c.MemoryResults < 1 {
		return fmt.Errorf("memory_results must be at least 1")
	}
	if c.CompactTokenBudget < 200 {
		return fmt.Errorf("compact_token_budget must be at least 200, got %d", c.CompactTokenBudget)
	}
	return nil
}

func (c *ChatConfig) ResolvePaths(dataDir string) {
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(dataDir, "workspace")
	}
}

// SessionsConfig selects the chat-session store backend.
type SessionsConfig struct {
	// Backend is "inmemory" or "sql".
	Backend string `yaml:"backend" json:"backend" jsonschema:"enum=inmemory,enum=sql,default=inmemory"`

	// Driver is the SQL driver: sqlite, mysql, or postgres.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"enum=sqlite,enum=mysql,enum=postgres"`

	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

func (c *SessionsConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "inmemory"
	}
	if c.Backend == "sql" && c.Driver == "" {
		c.Driver = "sqlite"
	}
}

func (c *SessionsConfig) Validate() error {
	switch c.Backend {
	case "inmemory":
		return nil
	case "sql":
	default:
		return fmt.Errorf("invalid backend %q (valid: inmemory, sql)", c.Backend)
	}
	switch c.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("invalid driver %q (valid: sqlite, mysql, postgres)", c.Driver)
	}
	if c.Driver != "sqlite" && c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}

// ResolvePaths derives the default sqlite DSN from the data dir.
func (c *SessionsConfig) ResolvePaths(dataDir string) {
	if c.Backend == "sql" && c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = filepath.Join(dataDir, "sessions.db")
	}
}
