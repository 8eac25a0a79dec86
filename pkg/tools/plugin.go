package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"gopkg.in/yaml.v3"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Handshake must match between the gateway and every tool plugin
// binary. A cookie mismatch means the executable is not a plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GATEWAY_PLUGIN",
	MagicCookieValue: "gateway_tool_v1",
}

const pluginDispenseKey = "tools"

// ToolService is what a plugin binary implements. Arguments and
// results cross the process boundary as JSON so plugins never need the
// gateway's internal types.
type ToolService interface {
	ListTools() ([]ToolSpec, error)
	ExecuteTool(tool string, argsJSON []byte) ([]byte, error)
}

// ToolSpec describes one tool a plugin offers. SchemaJSON holds the
// JSON Schema for the tool's arguments.
type ToolSpec struct {
	Name        string
	Description string
	SchemaJSON  []byte
}

// ExecuteArgs is the wire form of one tool invocation.
type ExecuteArgs struct {
	Tool     string
	ArgsJSON []byte
}

// ToolPlugin is the go-plugin glue shared by the gateway and plugin
// binaries. Plugins fill Impl; the gateway leaves it nil.
type ToolPlugin struct {
	Impl ToolService
}

func (p *ToolPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &toolServiceRPCServer{Impl: p.Impl}, nil
}

func (ToolPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &toolServiceRPC{client: c}, nil
}

type toolServiceRPC struct {
	client *rpc.Client
}

func (c *toolServiceRPC) ListTools() ([]ToolSpec, error) {
	var specs []ToolSpec
	if err := c.client.Call("Plugin.ListTools", new(any), &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (c *toolServiceRPC) ExecuteTool(tool string, argsJSON []byte) ([]byte, error) {
	var out []byte
	if err := c.client.Call("Plugin.ExecuteTool", ExecuteArgs{Tool: tool, ArgsJSON: argsJSON}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type toolServiceRPCServer struct {
	Impl ToolService
}

func (s *toolServiceRPCServer) ListTools(_ any, resp *[]ToolSpec) error {
	specs, err := s.Impl.ListTools()
	if err != nil {
		return err
	}
	*resp = specs
	return nil
}

func (s *toolServiceRPCServer) ExecuteTool(args ExecuteArgs, resp *[]byte) error {
	out, err := s.Impl.ExecuteTool(args.Tool, args.ArgsJSON)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

// ServePlugin is the entry point for plugin binaries: call it from
// main with your ToolService implementation.
func ServePlugin(impl ToolService) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			pluginDispenseKey: &ToolPlugin{Impl: impl},
		},
	})
}

// pluginManifest is the optional <executable>.plugin.yaml sidecar.
type pluginManifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

func readManifest(execPath string) (*pluginManifest, error) {
	data, err := os.ReadFile(execPath + ".plugin.yaml")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var wrapper struct {
		Plugin pluginManifest `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &wrapper.Plugin, nil
}

// PluginSource runs one tool plugin as a subprocess and bridges its
// tools into the registry.
type PluginSource struct {
	cfg config.PluginConfig

	client   *plugin.Client
	protocol plugin.ClientProtocol
	service  ToolService
}

func NewPluginSource(cfg config.PluginConfig) *PluginSource {
	return &PluginSource{cfg: cfg}
}

func (s *PluginSource) Name() string { return s.cfg.Name }

func (s *PluginSource) Connect(ctx context.Context) ([]Tool, error) {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", s.cfg.Name, err)
	}
	if info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("plugin %s is not executable: %s", s.cfg.Name, s.cfg.Path)
	}

	manifest, err := readManifest(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", s.cfg.Name, err)
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			pluginDispenseKey: &ToolPlugin{},
		},
		Cmd:    exec.Command(s.cfg.Path, s.cfg.Args...),
		Logger: hclog.New(&hclog.LoggerOptions{Name: "plugin." + s.cfg.Name, Level: hclog.Info}),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
	})

	protocol, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to get RPC client: %w", s.cfg.Name, err)
	}

	raw, err := protocol.Dispense(pluginDispenseKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to dispense: %w", s.cfg.Name, err)
	}

	service, ok := raw.(ToolService)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement the tool service", s.cfg.Name)
	}

	specs, err := service.ListTools()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to list tools: %w", s.cfg.Name, err)
	}

	tools := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		var schema map[string]any
		if len(spec.SchemaJSON) > 0 {
			if err := json.Unmarshal(spec.SchemaJSON, &schema); err != nil {
				client.Kill()
				return nil, fmt.Errorf("plugin %s: tool %s has invalid schema: %w", s.cfg.Name, spec.Name, err)
			}
		}
		tools = append(tools, &pluginTool{
			source: s,
			remote: spec.Name,
			info: ToolInfo{
				Name:        s.cfg.Name + "." + spec.Name,
				Description: spec.Description,
				Source:      "plugin:" + s.cfg.Name,
				Schema:      schema,
				Required:    schemaRequired(schema),
			},
		})
	}

	s.client = client
	s.protocol = protocol
	s.service = service

	version := ""
	if manifest != nil {
		version = manifest.Version
	}
	slog.Info("Loaded tool plugin", "name", s.cfg.Name, "version", version, "tools", len(tools))
	return tools, nil
}

// Ping reports whether the subprocess still answers. Used by the
// health monitor.
func (s *PluginSource) Ping() error {
	if s.protocol == nil {
		return fmt.Errorf("plugin %s is not connected", s.cfg.Name)
	}
	return s.protocol.Ping()
}

func (s *PluginSource) Close() error {
	if s.client != nil {
		s.client.Kill()
		s.client = nil
		s.protocol = nil
		s.service = nil
	}
	return nil
}

type pluginTool struct {
	source *PluginSource
	remote string
	info   ToolInfo
}

func (t *pluginTool) Describe() ToolInfo { return t.info }

func (t *pluginTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	service := t.source.service
	if service == nil {
		return nil, fmt.Errorf("plugin %s is not connected", t.source.cfg.Name)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	type callResult struct {
		out []byte
		err error
	}
	ch := make(chan callResult, 1)
	go func() {
		out, err := service.ExecuteTool(t.remote, argsJSON)
		ch <- callResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("plugin call failed: %w", res.err)
		}
		if len(res.out) == 0 {
			return "", nil
		}
		var decoded any
		if err := json.Unmarshal(res.out, &decoded); err != nil {
			return string(res.out), nil
		}
		return decoded, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
