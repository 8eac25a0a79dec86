// Package chat runs the tool loop: layered system prompts, provider
// calls through the failover chain, text tool-call extraction and
// dispatch, mid-loop approval gating, and SSE event streaming.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/llms"
	"github.com/intelliclaw/gateway/pkg/observability"
	"github.com/intelliclaw/gateway/pkg/session"
	"github.com/intelliclaw/gateway/pkg/supervisor"
	"github.com/intelliclaw/gateway/pkg/tools"
)

const (
	// maxRoundsCap bounds per-request round overrides.
	maxRoundsCap = 10

	// maxSpawnDepth bounds recursive spawn_agent nesting.
	maxSpawnDepth = 2

	// resultDisplayLimit truncates tool results in stream events.
	resultDisplayLimit = 400

	// streamBuffer is the event channel capacity.
	streamBuffer = 64

	spawnToolName = "spawn_agent"
)

// gatedTools require a live approval verdict before the loop executes
// them.
var gatedTools = map[string]bool{
	"shell_exec":  true,
	"file_write":  true,
	"file_patch":  true,
	"file_delete": true,
	"js_eval":     true,
}

// Event is one streamed chat event, serialized as an SSE data frame.
type Event map[string]any

// Request is one chat invocation.
type Request struct {
	Messages       []llms.Message `json:"messages"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	MaxRounds      int            `json:"max_rounds,omitempty"`
	UseTools       bool           `json:"use_tools,omitempty"`
	UseWorkspace   bool           `json:"use_workspace,omitempty"`
	UsePageContext bool           `json:"use_page_context,omitempty"`
	PageContext    string         `json:"page_context,omitempty"`
	Persona        string         `json:"persona,omitempty"`
	System         string         `json:"system,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Agent          string         `json:"agent,omitempty"`
}

// Response is the terminal chat result. The failover fields mirror what
// the provider chain reports for the rounds that produced the content.
type Response struct {
	Content        string     `json:"content"`
	Model          string     `json:"model"`
	Usage          llms.Usage `json:"usage"`
	Provider       string     `json:"provider"`
	SessionID      string     `json:"session_id"`
	FailoverUsed   bool       `json:"failover_used"`
	ActualProvider string     `json:"actual_provider"`
	ActualModel    string     `json:"actual_model"`
	FailoverReason string     `json:"failover_reason,omitempty"`
}

// EngineConfig wires an Engine. Failover is required; everything else
// degrades gracefully when nil.
type EngineConfig struct {
	Failover  *llms.Failover
	Tools     *tools.Registry
	Approvals *approval.Queue
	Sessions  session.Store
	Prompts   *Builder
	Metrics   observability.Metrics
	Chat      config.ChatConfig

	// GateTimeout bounds the mid-loop approval wait.
	GateTimeout time.Duration
}

// Engine drives chat completions and the tool loop.
type Engine struct {
	failover  *llms.Failover
	tools     *tools.Registry
	queue     *approval.Queue
	sessions  session.Store
	prompts   *Builder
	metrics   observability.Metrics
	maxRounds int

	// gateTimeout is nanoseconds, atomic so admin reconfiguration
	// lands without restarting in-flight loops.
	gateTimeout atomic.Int64
}

func NewEngine(cfg EngineConfig) *Engine {
	maxRounds := cfg.Chat.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}
	gate := cfg.GateTimeout
	if gate <= 0 {
		gate = 2 * time.Minute
	}
	e := &Engine{
		failover:  cfg.Failover,
		tools:     cfg.Tools,
		queue:     cfg.Approvals,
		sessions:  cfg.Sessions,
		prompts:   cfg.Prompts,
		metrics:   cfg.Metrics,
		maxRounds: maxRounds,
	}
	e.gateTimeout.Store(int64(gate))
	return e
}

// GateTimeout reports the current mid-loop approval wait bound.
func (e *Engine) GateTimeout() time.Duration {
	return time.Duration(e.gateTimeout.Load())
}

// SetGateTimeout replaces the approval wait bound. Non-positive values
// are ignored; loops already blocked in gate keep their old bound.
func (e *Engine) SetGateTimeout(d time.Duration) {
	if d > 0 {
		e.gateTimeout.Store(int64(d))
	}
}

// Complete runs the loop synchronously and returns the terminal result.
func (e *Engine) Complete(ctx context.Context, req Request) (*Response, error) {
	return e.run(ctx, req, func(Event) {})
}

// Stream runs the loop in a worker goroutine and returns a channel of
// events: loop telemetry first, then the final content chunked into
// token frames, then a single terminal (or error) frame with done=true.
// The channel closes after that frame. Client disconnect (ctx done)
// stops delivery, but the loop itself runs to completion.
func (e *Engine) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, streamBuffer)

	emit := func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)

		resp, err := e.run(context.WithoutCancel(ctx), req, emit)
		if err != nil {
			emit(Event{"error": err.Error(), "done": true})
			return
		}

		for _, tok := range splitTokens(resp.Content) {
			emit(Event{"token": tok, "done": false})
		}
		emit(terminalEvent(resp))
	}()

	return ch
}

// run is the loop shared by Complete and Stream: call the provider,
// extract tool calls, dispatch them, reflect results back as a user
// message, repeat within the round bound.
func (e *Engine) run(ctx context.Context, req Request, emit func(Event)) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	maxRounds := e.maxRounds
	if req.MaxRounds > 0 {
		maxRounds = req.MaxRounds
	}
	if maxRounds > maxRoundsCap {
		maxRounds = maxRoundsCap
	}

	var infos []tools.ToolInfo
	if req.UseTools && e.tools != nil {
		infos = e.tools.List()
		if spawnDepth(ctx) > 0 {
			infos = withoutTool(infos, spawnToolName)
		}
	}

	system := req.System
	if e.prompts != nil {
		system = e.prompts.System(ctx, promptRequest{
			Persona:        req.Persona,
			UseWorkspace:   req.UseWorkspace,
			UsePageContext: req.UsePageContext,
			PageContext:    req.PageContext,
			Extra:          req.System,
			LatestUser:     latestUserText(req.Messages),
			UseTools:       req.UseTools,
			Tools:          infos,
		})
	}

	history := make([]llms.Message, 0, len(req.Messages)+1)
	if system != "" {
		history = append(history, llms.Message{Role: llms.RoleSystem, Content: system})
	}
	history = append(history, req.Messages...)

	opts := llms.Options{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}

	var (
		usage          llms.Usage
		last           *llms.Result
		content        string
		failoverUsed   bool
		failoverReason string
	)

	for round := 1; round <= maxRounds; round++ {
		res, err := e.completeOnce(ctx, req.Provider, history, opts)
		if err != nil {
			return nil, err
		}
		last = res
		usage.PromptTokens += res.Usage.PromptTokens
		usage.CompletionTokens += res.Usage.CompletionTokens
		usage.TotalTokens += res.Usage.TotalTokens
		if res.FailoverUsed {
			failoverUsed = true
			if failoverReason == "" {
				failoverReason = res.FailoverReason
			}
		}

		narration, calls := ExtractToolCalls(res.Content)
		if !req.UseTools || len(calls) == 0 {
			content = res.Content
			break
		}

		// The raw assistant turn goes back into the history, markers
		// included, so the model sees its own calls.
		history = append(history, llms.Message{Role: llms.RoleAssistant, Content: res.Content})

		blocks := make([]string, 0, len(calls))
		for _, call := range calls {
			body := e.executeCall(ctx, sessionID, call, emit)
			blocks = append(blocks, fmt.Sprintf("TOOL_RESULT [%s]:\n%s", call.Tool, body))
		}
		history = append(history, llms.Message{Role: llms.RoleUser, Content: strings.Join(blocks, "\n\n")})

		// If this was the last round, the markers are stripped and the
		// narration is what the caller sees.
		content = narration
	}

	resp := &Response{
		Content:        content,
		Model:          last.Model,
		Usage:          usage,
		Provider:       last.Provider,
		SessionID:      sessionID,
		FailoverUsed:   failoverUsed,
		ActualProvider: last.ActualProvider,
		ActualModel:    last.ActualModel,
		FailoverReason: failoverReason,
	}

	e.persist(ctx, sessionID, req, resp)
	return resp, nil
}

// completeOnce calls the provider chain once and records the request
// metric against the provider that actually served it.
func (e *Engine) completeOnce(ctx context.Context, provider string, messages []llms.Message, opts llms.Options) (*llms.Result, error) {
	start := time.Now()
	res, err := e.failover.ChatComplete(ctx, provider, messages, opts)
	if e.metrics != nil {
		name := provider
		tokens := 0
		if res != nil {
			name = res.ActualProvider
			tokens = res.Usage.TotalTokens
		}
		if name == "" {
			name = "unknown"
		}
		e.metrics.RecordChatRequest(ctx, name, time.Since(start), tokens, err)
	}
	return res, err
}

// executeCall dispatches one parsed call and renders its TOOL_RESULT
// body. Failures are stringified into the body and never abort the loop.
func (e *Engine) executeCall(ctx context.Context, sessionID string, call ToolCall, emit func(Event)) string {
	emit(Event{"type": "tool_call", "tool": call.Tool, "args": call.Args})

	out, err := e.dispatch(ctx, sessionID, call, emit)
	var body string
	if err != nil {
		body = "Error: " + err.Error()
	} else {
		body = FormatResult(out)
	}

	emit(Event{"type": "tool_result", "tool": call.Tool, "result": TruncateForDisplay(body, resultDisplayLimit)})

	if m, ok := out.(map[string]any); ok {
		if created, _ := m["skill_created"].(bool); created {
			ev := Event{"type": "skill_created"}
			if slug, ok := m["slug"].(string); ok {
				ev["slug"] = slug
			}
			if name, ok := m["name"].(string); ok {
				ev["name"] = name
			}
			emit(ev)
		}
	}
	return body
}

func (e *Engine) dispatch(ctx context.Context, sessionID string, call ToolCall, emit func(Event)) (any, error) {
	if e.tools == nil {
		return nil, fmt.Errorf("no tools registered")
	}
	tool, ok := e.tools.Get(call.Tool)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Tool)
	}
	info := tool.Describe()

	for _, name := range info.Required {
		if _, present := call.Args[name]; !present {
			return nil, fmt.Errorf("missing required argument %q", name)
		}
	}
	args := coerceArgs(call.Args, info.Schema)

	if gatedTools[call.Tool] {
		verdict, err := e.gate(ctx, sessionID, call.Tool, args, emit)
		if err != nil {
			return nil, err
		}
		if verdict != approval.StatusApproved {
			return "[DENIED]", nil
		}
	}

	return e.tools.Execute(ctx, call.Tool, args)
}

// gate registers the call with the approval queue and blocks for a live
// verdict. A timeout counts as denial for this call but leaves the
// queued request pending for the reaper.
func (e *Engine) gate(ctx context.Context, sessionID, tool string, args map[string]any, emit func(Event)) (approval.Status, error) {
	if e.queue == nil {
		return approval.StatusRejected, fmt.Errorf("tool %q requires approval but no queue is configured", tool)
	}

	sanitized := supervisor.Sanitize(args)
	req := e.queue.Submit(map[string]any{
		"tool":       tool,
		"args":       sanitized,
		"session_id": sessionID,
	}, supervisor.ScoreRisk(tool, args))

	timeout := e.GateTimeout()
	emit(Event{
		"type":       "approval_required",
		"id":         req.ID,
		"tool":       tool,
		"args":       sanitized,
		"session_id": sessionID,
		"expires_in": int(timeout.Seconds()),
	})

	return e.queue.Await(ctx, req.ID, timeout), nil
}

// persist appends the exchange to the session store, best effort. The
// caller supplies the full history each request; the store keeps the
// latest user turn and the final assistant turn as the running record.
func (e *Engine) persist(ctx context.Context, sessionID string, req Request, resp *Response) {
	if e.sessions == nil {
		return
	}

	if req.Agent != "" {
		if _, err := e.sessions.Create(ctx, sessionID, req.Agent); err != nil && err != session.ErrExists {
			slog.Warn("Session create failed", "session_id", sessionID, "error", err)
		}
	}

	var msgs []session.Message
	if lastUser := latestUserText(req.Messages); lastUser != "" {
		msgs = append(msgs, session.Message{Role: llms.RoleUser, Content: lastUser})
	}
	if resp.Content != "" {
		msgs = append(msgs, session.Message{Role: llms.RoleAssistant, Content: resp.Content})
	}
	if len(msgs) == 0 {
		return
	}
	if err := e.sessions.AppendMessages(ctx, sessionID, msgs...); err != nil {
		slog.Warn("Session persistence failed", "session_id", sessionID, "error", err)
	}
}

// SpawnTool returns the spawn_agent built-in: a nested loop invocation
// with depth carried in the context. Nested runs do not see spawn_agent
// in their tool list, and depth is capped regardless.
func (e *Engine) SpawnTool() (tools.Tool, error) {
	return tools.NewFunc[spawnAgentArgs](spawnToolName,
		"Delegate a task to a nested agent run and return its final answer.",
		func(ctx context.Context, args map[string]any) (any, error) {
			task, _ := args["task"].(string)
			if strings.TrimSpace(task) == "" {
				return nil, fmt.Errorf("task is required")
			}
			depth := spawnDepth(ctx)
			if depth >= maxSpawnDepth {
				return nil, fmt.Errorf("agent spawn depth limit (%d) reached", maxSpawnDepth)
			}
			provider, _ := args["provider"].(string)

			resp, err := e.Complete(withSpawnDepth(ctx, depth+1), Request{
				Messages: []llms.Message{{Role: llms.RoleUser, Content: task}},
				Provider: provider,
				UseTools: true,
			})
			if err != nil {
				return nil, err
			}
			return resp.Content, nil
		})
}

type spawnAgentArgs struct {
	Task     string `json:"task" jsonschema:"required,description=What the nested agent should do"`
	Provider string `json:"provider,omitempty" jsonschema:"description=Provider override for the nested run"`
}

type spawnDepthKey struct{}

func spawnDepth(ctx context.Context) int {
	d, _ := ctx.Value(spawnDepthKey{}).(int)
	return d
}

func withSpawnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, spawnDepthKey{}, depth)
}

func latestUserText(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llms.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func withoutTool(infos []tools.ToolInfo, name string) []tools.ToolInfo {
	out := make([]tools.ToolInfo, 0, len(infos))
	for _, info := range infos {
		if info.Name != name {
			out = append(out, info)
		}
	}
	return out
}

func terminalEvent(r *Response) Event {
	ev := Event{
		"content":         r.Content,
		"model":           r.Model,
		"usage":           r.Usage,
		"provider":        r.Provider,
		"session_id":      r.SessionID,
		"failover_used":   r.FailoverUsed,
		"actual_provider": r.ActualProvider,
		"actual_model":    r.ActualModel,
		"done":            true,
	}
	if r.FailoverReason != "" {
		ev["failover_reason"] = r.FailoverReason
	}
	return ev
}

// splitTokens chunks text at word boundaries for the typewriter stream.
// Every chunk is a word plus its trailing whitespace, so concatenating
// the chunks reproduces the text exactly.
func splitTokens(text string) []string {
	var out []string
	start := 0
	i := 0
	for i < len(text) {
		for i < len(text) && !isSpaceByte(text[i]) {
			i++
		}
		for i < len(text) && isSpaceByte(text[i]) {
			i++
		}
		out = append(out, text[start:i])
		start = i
	}
	return out
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
