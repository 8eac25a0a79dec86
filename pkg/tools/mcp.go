package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// mcpSSETimeout bounds reading one JSON-RPC response off an SSE
	// body; tool calls can legitimately run for minutes.
	mcpSSETimeout = 5 * time.Minute
)

// MCPSource bridges one MCP server into the registry. Stdio servers go
// through mcp-go's subprocess client; sse/http servers through the
// gateway's retrying HTTP client speaking JSON-RPC directly.
type MCPSource struct {
	cfg config.MCPServerConfig

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	include    map[string]bool
}

func NewMCPSource(cfg config.MCPServerConfig) *MCPSource {
	var include map[string]bool
	if len(cfg.Include) > 0 {
		include = make(map[string]bool, len(cfg.Include))
		for _, name := range cfg.Include {
			include[name] = true
		}
	}
	return &MCPSource{cfg: cfg, include: include}
}

func (s *MCPSource) Name() string { return s.cfg.Name }

// Connect initialises the server and returns its tools, names prefixed
// with the source name.
func (s *MCPSource) Connect(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Transport == "stdio" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *MCPSource) connectStdio(ctx context.Context) ([]Tool, error) {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envList(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: failed to create client: %w", s.cfg.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp %s: failed to start: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gateway", Version: "1"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("mcp %s: initialize failed: %w", s.cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("mcp %s: tools/list failed: %w", s.cfg.Name, err)
	}

	var tools []Tool
	for _, t := range listResp.Tools {
		if s.include != nil && !s.include[t.Name] {
			continue
		}
		schema := toSchemaMap(t.InputSchema)
		tools = append(tools, &mcpTool{
			source: s,
			remote: t.Name,
			info: ToolInfo{
				Name:        s.cfg.Name + "." + t.Name,
				Description: t.Description,
				Source:      "mcp:" + s.cfg.Name,
				Schema:      schema,
				Required:    schemaRequired(schema),
			},
		})
	}

	s.stdio = mcpClient
	slog.Info("Connected to MCP server", "name", s.cfg.Name, "transport", "stdio", "tools", len(tools))
	return tools, nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) ([]Tool, error) {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "gateway", "version": "1"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp %s: initialize failed: %w", s.cfg.Name, err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("mcp %s: initialize error: %s", s.cfg.Name, initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: tools/list failed: %w", s.cfg.Name, err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("mcp %s: tools/list error: %s", s.cfg.Name, listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mcp %s: unexpected tools/list result", s.cfg.Name)
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("mcp %s: tools missing from tools/list result", s.cfg.Name)
	}

	var tools []Tool
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" || (s.include != nil && !s.include[name]) {
			continue
		}
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)

		tools = append(tools, &mcpTool{
			source: s,
			remote: name,
			info: ToolInfo{
				Name:        s.cfg.Name + "." + name,
				Description: desc,
				Source:      "mcp:" + s.cfg.Name,
				Schema:      schema,
				Required:    schemaRequired(schema),
			},
		})
	}

	slog.Info("Connected to MCP server", "name", s.cfg.Name, "transport", s.cfg.Transport, "tools", len(tools))
	return tools, nil
}

// Close shuts down a stdio subprocess; HTTP servers hold no connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	s.httpClient = nil
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request. Streamable-http servers assign a
// session id on initialize which rides the mcp-session-id header on
// every later call.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("mcp-session-id"); id != "" {
		s.sessionID = id
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out jsonRPCResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bad JSON-RPC response: %w", err)
	}
	return &out, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// event stream body.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)

			if line == "" {
				if data.Len() > 0 {
					var resp jsonRPCResponse
					if jsonErr := json.Unmarshal([]byte(data.String()), &resp); jsonErr == nil {
						ch <- result{resp: &resp}
						return
					}
					data.Reset()
				}
				continue
			}
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(after))
			}
		}
		if data.Len() > 0 {
			var resp jsonRPCResponse
			if jsonErr := json.Unmarshal([]byte(data.String()), &resp); jsonErr == nil {
				ch <- result{resp: &resp}
				return
			}
		}
		ch <- result{err: fmt.Errorf("event stream ended without a complete message")}
	}()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(mcpSSETimeout):
		return nil, fmt.Errorf("timed out reading event stream after %v", mcpSSETimeout)
	}
}

// mcpTool executes one remote tool through its source.
type mcpTool struct {
	source *MCPSource
	remote string
	info   ToolInfo
}

func (t *mcpTool) Describe() ToolInfo { return t.info }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	t.source.mu.Lock()
	stdio := t.source.stdio
	t.source.mu.Unlock()

	if stdio != nil {
		return t.executeStdio(ctx, stdio, args)
	}
	return t.executeHTTP(ctx, args)
}

func (t *mcpTool) executeStdio(ctx context.Context, stdio *client.Client, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	resp, err := stdio.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call failed: %w", err)
	}

	texts := textContents(resp.Content)
	if resp.IsError {
		msg := "tool reported an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return joinTexts(texts), nil
}

func (t *mcpTool) executeHTTP(ctx context.Context, args map[string]any) (any, error) {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()

	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.remote,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp call failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return resp.Result, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if m, ok := c.(map[string]any); ok && m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	if isError, _ := resultMap["isError"].(bool); isError {
		msg := "tool reported an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return joinTexts(texts), nil
}

func textContents(content []mcp.Content) []string {
	var texts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return texts
}

func joinTexts(texts []string) any {
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	default:
		return strings.Join(texts, "\n")
	}
}

func toSchemaMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func schemaRequired(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	var required []string
	for _, r := range raw {
		if name, ok := r.(string); ok {
			required = append(required, name)
		}
	}
	return required
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
