package config

import (
	"fmt"
	"path/filepath"
)

// ToolsConfig wires external tool sources into the registry.
type ToolsConfig struct {
	// MCP lists Model Context Protocol servers to bridge.
	MCP []MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty"`

	// Plugins lists tool plugin executables.
	Plugins []PluginConfig `yaml:"plugins,omitempty" json:"plugins,omitempty"`

	// WorkerURL is the sandbox worker the alert monitor health-probes.
	// http(s):// URLs are probed with GET /health, grpc://host:port with
	// the standard gRPC health protocol. Empty disables the probe.
	WorkerURL string `yaml:"worker_url,omitempty" json:"worker_url,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	// Name prefixes the discovered tool names (name.tool).
	Name string `yaml:"name" json:"name"`

	// Transport is "sse", "http", or "stdio".
	Transport string `yaml:"transport" json:"transport" jsonschema:"enum=sse,enum=http,enum=stdio,default=sse"`

	// URL for sse/http transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Command and Args spawn a stdio server.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Include restricts which discovered tools are registered. Empty
	// registers everything the server lists.
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server missing name")
	}
	switch c.Transport {
	case "", "sse", "http":
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s transport", c.Name, c.Transport)
		}
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio transport", c.Name)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// PluginConfig describes one tool plugin binary.
type PluginConfig struct {
	// Name prefixes the plugin's tool names.
	Name string `yaml:"name" json:"name"`

	// Path is the plugin executable. Relative paths resolve against the
	// plugin dir.
	Path string `yaml:"path" json:"path"`

	// Args passed to the plugin process.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

func (c *PluginConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("plugin missing name")
	}
	if c.Path == "" {
		return fmt.Errorf("plugin %s: path is required", c.Name)
	}
	return nil
}

func (c *ToolsConfig) SetDefaults() {
	for i := range c.MCP {
		if c.MCP[i].Transport == "" {
			c.MCP[i].Transport = "sse"
		}
	}
}

func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool)
	for i := range c.MCP {
		if err := c.MCP[i].Validate(); err != nil {
			return err
		}
		if seen[c.MCP[i].Name] {
			return fmt.Errorf("duplicate tool source name: %s", c.MCP[i].Name)
		}
		seen[c.MCP[i].Name] = true
	}
	for i := range c.Plugins {
		if err := c.Plugins[i].Validate(); err != nil {
			return err
		}
		if seen[c.Plugins[i].Name] {
			return fmt.Errorf("duplicate tool source name: %s", c.Plugins[i].Name)
		}
		seen[c.Plugins[i].Name] = true
	}
	return nil
}

// ResolvePaths anchors relative plugin paths under <data_dir>/plugins.
func (c *ToolsConfig) ResolvePaths(dataDir string) {
	for i := range c.Plugins {
		if !filepath.IsAbs(c.Plugins[i].Path) {
			c.Plugins[i].Path = filepath.Join(dataDir, "plugins", c.Plugins[i].Path)
		}
	}
}

// ObservabilityConfig controls the metrics endpoint and optional tracing.
type ObservabilityConfig struct {
	// MetricsEnabled serves Prometheus metrics. Defaults to true.
	MetricsEnabled *bool `yaml:"metrics_enabled" json:"metrics_enabled" jsonschema:"default=true"`

	// MetricsPath is the scrape endpoint.
	MetricsPath string `yaml:"metrics_path" json:"metrics_path" jsonschema:"default=/metrics"`

	// ServiceName labels exported metrics and traces.
	ServiceName string `yaml:"service_name" json:"service_name" jsonschema:"default=gateway"`

	// TracingEnabled exports spans. Defaults to false.
	TracingEnabled *bool `yaml:"tracing_enabled" json:"tracing_enabled" jsonschema:"default=false"`

	// TracingExporter is "otlp" (gRPC) or "stdout".
	TracingExporter string `yaml:"tracing_exporter,omitempty" json:"tracing_exporter,omitempty" jsonschema:"enum=otlp,enum=stdout,default=otlp"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint,omitempty" jsonschema:"default=localhost:4317"`

	// SamplingRate is the trace sampling ratio in [0,1].
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"default=1"`
}

func (c *ObservabilityConfig) IsMetricsEnabled() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *ObservabilityConfig) IsTracingEnabled() bool {
	return c.TracingEnabled != nil && *c.TracingEnabled
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.MetricsEnabled == nil {
		c.MetricsEnabled = BoolPtr(true)
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.ServiceName == "" {
		c.ServiceName = "gateway"
	}
	if c.TracingEnabled == nil {
		c.TracingEnabled = BoolPtr(false)
	}
	if c.TracingExporter == "" {
		c.TracingExporter = "otlp"
	}
	if c.TracingEndpoint == "" {
		c.TracingEndpoint = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1
	}
}

func (c *ObservabilityConfig) Validate() error {
	if c.MetricsPath == "" || c.MetricsPath[0] != '/' {
		return fmt.Errorf("metrics_path must start with /")
	}
	switch c.TracingExporter {
	case "", "otlp", "stdout":
	default:
		return fmt.Errorf("invalid tracing_exporter %q (valid: otlp, stdout)", c.TracingExporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1")
	}
	return nil
}
