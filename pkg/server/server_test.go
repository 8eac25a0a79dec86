package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/audit"
	"github.com/intelliclaw/gateway/pkg/auth"
	"github.com/intelliclaw/gateway/pkg/capability"
	"github.com/intelliclaw/gateway/pkg/chat"
	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/consent"
	"github.com/intelliclaw/gateway/pkg/llms"
	"github.com/intelliclaw/gateway/pkg/memory"
	"github.com/intelliclaw/gateway/pkg/monitor"
	"github.com/intelliclaw/gateway/pkg/policy"
	"github.com/intelliclaw/gateway/pkg/ratelimit"
	"github.com/intelliclaw/gateway/pkg/scheduler"
	"github.com/intelliclaw/gateway/pkg/session"
	"github.com/intelliclaw/gateway/pkg/supervisor"
	"github.com/intelliclaw/gateway/pkg/tools"
	"github.com/intelliclaw/gateway/pkg/webhook"
)

// scriptedProvider replays canned replies, clamping to the last one.
type scriptedProvider struct {
	name    string
	replies []string
	err     error

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string      { return p.name }
func (p *scriptedProvider) Model() string     { return "scripted-mini" }
func (p *scriptedProvider) IsAvailable() bool { return true }

func (p *scriptedProvider) ChatComplete(_ context.Context, _ []llms.Message, _ llms.Options) (*llms.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	return &llms.Result{
		Content: p.replies[idx],
		Model:   "scripted-mini",
		Usage:   llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type scriptedTool struct {
	info tools.ToolInfo
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

func (s *scriptedTool) Describe() tools.ToolInfo { return s.info }

func (s *scriptedTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return s.fn(ctx, args)
}

func newScriptedTool(name string, required []string, fn func(context.Context, map[string]any) (any, error)) *scriptedTool {
	props := map[string]any{}
	for _, r := range required {
		props[r] = map[string]any{"type": "string"}
	}
	return &scriptedTool{
		info: tools.ToolInfo{
			Name:        name,
			Description: "test tool " + name,
			Source:      "native",
			Schema:      map[string]any{"type": "object", "properties": props},
			Required:    required,
		},
		fn: fn,
	}
}

type fixtureOptions struct {
	replies       []string
	providerErr   error
	backupReplies []string
	rules         []config.ContentRule
	grants        []string
	rateLimits    *config.RateLimitConfig
	manifests     map[string]string
	authEnabled   bool
}

type fixture struct {
	srv      *Server
	handler  http.Handler
	cfg      *config.Config
	dataDir  string
	queue    *approval.Queue
	registry *tools.Registry
	hooks    *webhook.Dispatcher
	sched    *scheduler.Scheduler
	mon      *monitor.Monitor
	audit    *audit.Log
	consent  *consent.Log
	memory   *memory.Store
	sessions session.Store
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	engine   *chat.Engine
	policy   *policy.Engine
	caps     *capability.Registry
}

// newFixture assembles the full request pipeline against temp-dir
// stores. Background loops (monitor, scheduler, engine reaper) are
// never started; tests drive everything through the router.
func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	dir := t.TempDir()
	grants := opts.grants
	if grants == nil {
		grants = []string{"ALL"}
	}
	limits := config.RateLimitConfig{
		MaxRequests:       1000,
		WindowSeconds:     60,
		UserMaxRequests:   1000,
		UserWindowSeconds: 60,
	}
	if opts.rateLimits != nil {
		limits = *opts.rateLimits
	}

	manifestDir := filepath.Join(dir, "manifests")
	require.NoError(t, os.MkdirAll(manifestDir, 0o755))
	for tool, body := range opts.manifests {
		require.NoError(t, os.WriteFile(filepath.Join(manifestDir, tool+".json"), []byte(body), 0o644))
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:               "127.0.0.1",
			Port:               0,
			DataDir:            dir,
			AllowedOrigins:     []string{"http://127.0.0.1:8080"},
			ReadTimeoutSeconds: 30,
		},
		Auth: config.AuthConfig{
			Enabled:                config.BoolPtr(opts.authEnabled),
			UsersFile:              filepath.Join(dir, "users.json"),
			RevocationFile:         filepath.Join(dir, "revoked_tokens.json"),
			AccessTokenTTLSeconds:  3600,
			RefreshTokenTTLSeconds: 7200,
		},
		RateLimits: limits,
		Approvals:  config.ApprovalsConfig{TimeoutSeconds: 300, GateTimeoutSeconds: 120},
		Alerts: config.AlertsConfig{
			WorkerCheckIntervalSeconds:   30,
			ValidationErrorWindowSeconds: 60,
			ValidationErrorThreshold:     10,
		},
		Policy: config.PolicyConfig{
			RulesFile: filepath.Join(dir, "policy_rules.json"),
			Rules:     opts.rules,
		},
		Capabilities: config.CapabilityConfig{
			ManifestDir:         manifestDir,
			DefaultCapabilities: grants,
		},
		Audit:     config.AuditConfig{File: filepath.Join(dir, "audit.jsonl")},
		Webhooks:  config.WebhookConfig{File: filepath.Join(dir, "webhooks.json"), MaxRetries: 1, TimeoutSeconds: 1, Workers: 2},
		Scheduler: config.SchedulerConfig{Enabled: config.BoolPtr(true), File: filepath.Join(dir, "schedule.json")},
		Memory:    config.MemoryConfig{Dir: filepath.Join(dir, "memory")},
		Consent:   config.ConsentConfig{File: filepath.Join(dir, "consent.jsonl")},
		Failover:  config.FailoverConfig{Primary: "scripted", CooldownBaseSeconds: 30, CooldownMaxSeconds: 60},
		Keys: config.KeysConfig{
			File:         filepath.Join(dir, "keys.json"),
			MetadataFile: filepath.Join(dir, "keys_meta.json"),
		},
		Chat: config.ChatConfig{
			MaxRounds:           5,
			PageContextMaxBytes: 8192,
			MemoryResults:       2,
			CompactTokenBudget:  2000,
		},
	}
	if len(opts.backupReplies) > 0 {
		cfg.Failover.Chain = []config.FailoverEntry{{Provider: "backup"}}
	}

	authSvc, err := auth.NewService(cfg.Auth)
	require.NoError(t, err)
	limiter := ratelimit.New(cfg.RateLimits)
	pol, err := policy.New(cfg.Policy)
	require.NoError(t, err)
	caps := capability.NewRegistry(cfg.Capabilities)
	queue := approval.NewQueue(cfg.Approvals.QueueThreshold, nil)
	sup, err := supervisor.New(pol, caps, queue, cfg.Capabilities.SchemaDir, nil)
	require.NoError(t, err)

	replies := opts.replies
	if len(replies) == 0 {
		replies = []string{"Hello there."}
	}
	primary := &scriptedProvider{name: "scripted", replies: replies, err: opts.providerErr}
	reg, err := llms.NewRegistry(nil, nil, nil)
	require.NoError(t, err)
	reg.Register(primary)
	if len(opts.backupReplies) > 0 {
		reg.Register(&scriptedProvider{name: "backup", replies: opts.backupReplies})
	}
	failover := llms.NewFailover(reg, cfg.Failover, nil)
	keys := llms.NewKeyStore(cfg.Keys)

	auditLog, err := audit.New(cfg.Audit.File, nil)
	require.NoError(t, err)
	consentLog, err := consent.New(cfg.Consent.File)
	require.NoError(t, err)
	hooks, err := webhook.NewDispatcher(cfg.Webhooks, nil)
	require.NoError(t, err)
	memStore, err := memory.NewStore(cfg.Memory)
	require.NoError(t, err)
	sessions := session.NewMemoryStore()

	toolReg := tools.NewRegistry(nil)
	engine := chat.NewEngine(chat.EngineConfig{
		Failover:    failover,
		Tools:       toolReg,
		Approvals:   queue,
		Sessions:    sessions,
		Prompts:     chat.NewBuilder(cfg.Chat, nil),
		Chat:        cfg.Chat,
		GateTimeout: 5 * time.Second,
	})
	compactor := chat.NewCompactor(sessions, failover, cfg.Chat)

	sched, err := scheduler.New(cfg.Scheduler, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		return "ran " + tool, nil
	})
	require.NoError(t, err)

	mon := monitor.New(monitor.Config{
		Approvals: cfg.Approvals,
		Alerts:    cfg.Alerts,
		Queue:     queue,
		Audit:     auditLog,
		Webhooks:  hooks,
	})

	srv := New(Deps{
		Config:     cfg,
		Auth:       authSvc,
		Limiter:    limiter,
		Supervisor: sup,
		Queue:      queue,
		Policy:     pol,
		Caps:       caps,
		Tools:      toolReg,
		Engine:     engine,
		Compactor:  compactor,
		Sessions:   sessions,
		Providers:  reg,
		Failover:   failover,
		Keys:       keys,
		Audit:      auditLog,
		Consent:    consentLog,
		Webhooks:   hooks,
		Memory:     memStore,
		Scheduler:  sched,
		Monitor:    mon,
		Version:    "test",
	})
	mon.BindQueue(queue, srv.PublishApproval)
	t.Cleanup(hooks.Close)

	return &fixture{
		srv:      srv,
		handler:  srv.Handler(),
		cfg:      cfg,
		dataDir:  dir,
		queue:    queue,
		registry: toolReg,
		hooks:    hooks,
		sched:    sched,
		mon:      mon,
		audit:    auditLog,
		consent:  consentLog,
		memory:   memStore,
		sessions: sessions,
		auth:     authSvc,
		limiter:  limiter,
		engine:   engine,
		policy:   pol,
		caps:     caps,
	}
}

// do routes one request through the full middleware stack. A nil body
// sends no payload; anything else is JSON-encoded.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doFrom(t, "192.0.2.10:4711", method, path, body)
}

func (f *fixture) doFrom(t *testing.T, remoteAddr, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remoteAddr
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthReportsStatus(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestToolCallHighRiskQueuesForApproval(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	type delivery struct {
		event string
		body  []byte
	}
	received := make(chan delivery, 4)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received <- delivery{event: r.Header.Get("X-Gateway-Event"), body: raw}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hookSrv.Close()

	rec := fix.do(t, http.MethodPost, "/admin/webhooks", map[string]any{
		"url":    hookSrv.URL,
		"events": []string{"approval.created"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "system.exec",
		"args": map[string]any{"cmd": "rm -rf /"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "pending_approval", body["status"])
	assert.Equal(t, "high", body["risk"])
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, 1, fix.queue.Pending())

	// Close drains the delivery pool, so the hook has been POSTed by
	// the time it returns.
	fix.hooks.Close()
	select {
	case d := <-received:
		assert.Equal(t, "approval.created", d.event)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(d.body, &payload))
		assert.Equal(t, "high", payload["risk"])
		assert.Equal(t, "pending", payload["status"])
		call, _ := payload["payload"].(map[string]any)
		require.NotNil(t, call)
		assert.Equal(t, "system.exec", call["tool"])
	default:
		t.Fatal("webhook delivery never arrived")
	}
}

func TestToolCallManifestOverridesRiskDefault(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		manifests: map[string]string{
			"file.read": `{"tool": "file.read", "risk_level": "high", "requires_approval": false}`,
		},
	})

	rec := fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "file.read",
		"args": map[string]any{"path": "/etc/passwd"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "high", body["risk"])
	assert.Equal(t, 0, fix.queue.Pending())

	args, _ := body["args"].(map[string]any)
	require.NotNil(t, args)
	assert.Equal(t, "/etc/passwd", args["path"])
}

func TestToolCallCapabilityDenied(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		grants: []string{"fs.read"},
		manifests: map[string]string{
			"browser.click": `{"tool": "browser.click", "required": ["browser.dom"]}`,
		},
	})

	rec := fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "browser.click",
		"args": map[string]any{"selector": "#submit"},
	})

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "capability_denied", body["status"])
	assert.Equal(t, "browser.click", body["tool"])
	assert.Equal(t, []any{"browser.dom"}, body["denied_capabilities"])
}

func TestToolCallValidationErrorFeedback(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "system.exec",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "validation_error", body["status"])
	assert.NotEmpty(t, body["error_token"])
	feedback, _ := body["feedback"].(map[string]any)
	require.NotNil(t, feedback)
	assert.NotEmpty(t, feedback["message"])
}

func TestKillSwitchBlocksToolCalls(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPut, "/admin/kill-switch", map[string]any{
		"active": true,
		"reason": "incident response",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "file.read",
		"args": map[string]any{},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "gateway kill-switch is active", body["error"])
	assert.Equal(t, "incident response", body["reason"])

	rec = fix.do(t, http.MethodPut, "/admin/kill-switch", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fix.do(t, http.MethodPost, "/tools/call", map[string]any{
		"tool": "file.read",
		"args": map[string]any{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateDryRunQueuesNothing(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPost, "/validate", map[string]any{
		"tool": "system.exec",
		"args": map[string]any{"cmd": "rm -rf /"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "pending_approval", body["status"])
	assert.Equal(t, "would queue for approval", body["message"])
	assert.Nil(t, body["id"])
	assert.Equal(t, 0, fix.queue.Pending())
}

func TestChatCompleteSyncResult(t *testing.T) {
	fix := newFixture(t, fixtureOptions{replies: []string{"Hello there."}})

	rec := fix.do(t, http.MethodPost, "/chat/complete", map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
		"session_id": "chat-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "Hello there.", body["content"])
	assert.Equal(t, "scripted-mini", body["model"])
	assert.Equal(t, "chat-1", body["session_id"])
	assert.Equal(t, false, body["failover_used"])

	sess, err := fix.sessions.Get(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "Hello there.", sess.Messages[1].Content)
}

func TestChatCompletePolicyViolation(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		rules: []config.ContentRule{{Label: "sql-drop", Pattern: "DROP TABLE", Mode: "literal"}},
	})

	rec := fix.do(t, http.MethodPost, "/chat/complete", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "please drop table users"}},
	})

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeMap(t, rec)
	detail, _ := body["detail"].(map[string]any)
	require.NotNil(t, detail)
	assert.Equal(t, "content_policy_violation", detail["error"])
	assert.Equal(t, "sql-drop", detail["matched_rule"])
	assert.Equal(t, "DROP TABLE", detail["pattern"])
}

func TestChatCompleteRejectsEmptyMessages(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPost, "/chat/complete", map[string]any{
		"messages": []map[string]any{},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "messages must not be empty", decodeMap(t, rec)["detail"])
}

func TestChatFailoverAnnotatesResponse(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		providerErr:   errors.New("429 too many requests"),
		backupReplies: []string{"Backup answering."},
	})

	rec := fix.do(t, http.MethodPost, "/chat/complete", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "Backup answering.", body["content"])
	assert.Equal(t, true, body["failover_used"])
	assert.Equal(t, "backup", body["actual_provider"])
	assert.Contains(t, body["failover_reason"], "429")

	// The failure left the primary cooling down; status surfaces it.
	rec = fix.do(t, http.MethodGet, "/admin/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeMap(t, rec)
	providers, _ := status["providers"].([]any)
	require.NotEmpty(t, providers)
	var sawCooldown bool
	for _, p := range providers {
		entry := p.(map[string]any)
		if entry["name"] == "scripted" {
			_, sawCooldown = entry["cooldown_seconds"]
		}
	}
	assert.True(t, sawCooldown, "primary should report a cooldown")
}

func TestRateLimitBoundary(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		rateLimits: &config.RateLimitConfig{
			MaxRequests:       2,
			WindowSeconds:     60,
			Burst:             0,
			UserMaxRequests:   100,
			UserWindowSeconds: 60,
		},
	})

	payload := map[string]any{"tool": "file.read", "args": map[string]any{}}
	for i := 0; i < 2; i++ {
		rec := fix.do(t, http.MethodPost, "/validate", payload)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := fix.do(t, http.MethodPost, "/validate", payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decodeMap(t, rec)
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Equal(t, float64(60), body["window_seconds"])
	assert.GreaterOrEqual(t, body["retry_after_seconds"], float64(1))

	// Resetting the client window readmits the caller immediately. The
	// reset itself comes from another address or it would be throttled.
	rec = fix.doFrom(t, "192.0.2.99:1", http.MethodDelete, "/admin/rate-limits/client:192.0.2.10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = fix.do(t, http.MethodPost, "/validate", payload)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamingToolLoopWithApproval(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		replies: []string{
			"On it.\nTOOL_CALL: {\"tool\": \"shell_exec\", \"args\": {\"cmd\": \"ls\"}}",
			"All done.",
		},
	})

	var executed bool
	require.NoError(t, fix.registry.Register(newScriptedTool("shell_exec", []string{"cmd"}, func(_ context.Context, args map[string]any) (any, error) {
		executed = true
		assert.Equal(t, "ls", args["cmd"])
		return "file1\nfile2", nil
	})))

	ts := httptest.NewServer(fix.handler)
	defer ts.Close()

	reqBody, err := json.Marshal(map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": "list the files"}},
		"session_id": "sse-1",
		"use_tools":  true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/chat/complete?stream=true", bytes.NewReader(reqBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)

		if ev["type"] == "approval_required" {
			id := int64(ev["id"].(float64))
			rec := fix.do(t, http.MethodPost, fmt.Sprintf("/agent/approvals/%d/approve", id), nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		if done, _ := ev["done"].(bool); done {
			break
		}
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)

	index := func(typ string) int {
		for i, ev := range events {
			if ev["type"] == typ {
				return i
			}
		}
		return -1
	}
	callIdx := index("tool_call")
	gateIdx := index("approval_required")
	resultIdx := index("tool_result")
	require.GreaterOrEqual(t, callIdx, 0, "missing tool_call event")
	require.GreaterOrEqual(t, gateIdx, 0, "missing approval_required event")
	require.GreaterOrEqual(t, resultIdx, 0, "missing tool_result event")
	assert.Less(t, callIdx, gateIdx)
	assert.Less(t, gateIdx, resultIdx)
	assert.True(t, executed, "tool should run after approval")

	var tokens strings.Builder
	for _, ev := range events {
		if tok, ok := ev["token"].(string); ok {
			tokens.WriteString(tok)
		}
	}
	assert.Equal(t, "All done.", tokens.String())

	final := events[len(events)-1]
	assert.Equal(t, true, final["done"])
	assert.Equal(t, "All done.", final["content"])
	assert.Equal(t, "sse-1", final["session_id"])
}

func TestStreamingDeniedToolReportsDenial(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		replies: []string{
			"Deleting.\nTOOL_CALL: {\"tool\": \"file_delete\", \"args\": {\"path\": \"/tmp/x\"}}",
			"Could not delete.",
		},
	})

	var executed bool
	require.NoError(t, fix.registry.Register(newScriptedTool("file_delete", []string{"path"}, func(context.Context, map[string]any) (any, error) {
		executed = true
		return "deleted", nil
	})))

	ts := httptest.NewServer(fix.handler)
	defer ts.Close()

	reqBody, err := json.Marshal(map[string]any{
		"messages":  []map[string]any{{"role": "user", "content": "delete it"}},
		"use_tools": true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/chat/complete?stream=true", bytes.NewReader(reqBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var sawDenied bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))

		if ev["type"] == "approval_required" {
			id := int64(ev["id"].(float64))
			rec := fix.do(t, http.MethodPost, fmt.Sprintf("/approvals/%d/reject", id), nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		if ev["type"] == "tool_result" {
			result, _ := ev["result"].(string)
			sawDenied = strings.Contains(result, "[DENIED]")
		}
		if done, _ := ev["done"].(bool); done {
			break
		}
	}
	require.NoError(t, scanner.Err())

	assert.True(t, sawDenied, "rejected call should surface a denial result")
	assert.False(t, executed, "rejected tool must not run")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	fix := newFixture(t, fixtureOptions{replies: []string{"Noted."}})

	rec := fix.do(t, http.MethodPost, "/chat/complete", map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": "remember this"}},
		"session_id": "keep-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fix.do(t, http.MethodGet, "/chat/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, _ := decodeMap(t, rec)["sessions"].([]any)
	require.Len(t, list, 1)

	rec = fix.do(t, http.MethodGet, "/chat/sessions/keep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decodeMap(t, rec)
	assert.Equal(t, "keep-1", sess["id"])

	rec = fix.do(t, http.MethodDelete, "/chat/sessions/keep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keep-1", decodeMap(t, rec)["deleted"])

	rec = fix.do(t, http.MethodGet, "/chat/sessions/keep-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapabilitiesListsGrantsAndTools(t *testing.T) {
	fix := newFixture(t, fixtureOptions{
		manifests: map[string]string{
			"file.read": `{"tool": "file.read", "required": ["fs.read"]}`,
		},
	})
	require.NoError(t, fix.registry.Register(newScriptedTool("echo", nil, func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})))

	rec := fix.do(t, http.MethodGet, "/tools/capabilities", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, []any{"ALL"}, body["grants"])
	manifests, _ := body["manifests"].([]any)
	require.Len(t, manifests, 1)
	toolList, _ := body["tools"].([]any)
	require.Len(t, toolList, 1)
	assert.Equal(t, "echo", toolList[0].(map[string]any)["name"])
}
