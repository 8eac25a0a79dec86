// Package tools holds the gateway's tool surface: native built-ins,
// MCP-bridged servers and go-plugin executables behind one registry.
// The supervisor decides whether a call may run; this package only
// knows how to describe and execute tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/observability"
	"github.com/intelliclaw/gateway/pkg/registry"
)

// ToolInfo describes a tool to callers and to the chat prompt builder.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Source      string         `json:"source"`
	Schema      map[string]any `json:"schema,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// Tool is the unit the registry stores, whatever its origin.
type Tool interface {
	Describe() ToolInfo
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Source is an external tool provider: an MCP server or a plugin
// subprocess. Connect discovers its tools; Close releases whatever the
// transport holds.
type Source interface {
	Name() string
	Connect(ctx context.Context) ([]Tool, error)
	Close() error
}

// Sources builds the configured MCP and plugin sources without
// connecting them, so the caller can skip a broken server and keep the
// rest.
func Sources(cfg config.ToolsConfig) []Source {
	sources := make([]Source, 0, len(cfg.MCP)+len(cfg.Plugins))
	for _, mc := range cfg.MCP {
		sources = append(sources, NewMCPSource(mc))
	}
	for _, pc := range cfg.Plugins {
		sources = append(sources, NewPluginSource(pc))
	}
	return sources
}

// Registry is the name-keyed tool store. Execution goes through it so
// every call is timed and counted regardless of source.
type Registry struct {
	tools   *registry.BaseRegistry[Tool]
	metrics observability.Metrics
}

func NewRegistry(metrics observability.Metrics) *Registry {
	return &Registry{
		tools:   registry.NewBaseRegistry[Tool](),
		metrics: metrics,
	}
}

func (r *Registry) Register(t Tool) error {
	info := t.Describe()
	if err := r.tools.Register(info.Name, t); err != nil {
		return err
	}
	slog.Debug("Tool registered", "tool", info.Name, "source", info.Source)
	return nil
}

// RegisterAll registers every tool, rolling nothing back on error; the
// caller decides whether a partial source is fatal.
func (r *Registry) RegisterAll(tools []Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	return r.tools.Get(name)
}

func (r *Registry) Names() []string {
	return r.tools.Names()
}

func (r *Registry) Count() int {
	return r.tools.Count()
}

// List returns tool descriptions in name order.
func (r *Registry) List() []ToolInfo {
	names := r.tools.Names()
	infos := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools.Get(name); ok {
			infos = append(infos, t.Describe())
		}
	}
	return infos
}

// Execute runs a registered tool and records the call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	start := time.Now()
	result, err := t.Execute(ctx, args)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, outcome, elapsed, err)
	}
	slog.Debug("Tool executed", "tool", name, "outcome", outcome, "duration", elapsed)
	return result, err
}
