package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/audit"
	"github.com/intelliclaw/gateway/pkg/auth"
	"github.com/intelliclaw/gateway/pkg/capability"
	"github.com/intelliclaw/gateway/pkg/chat"
	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/consent"
	"github.com/intelliclaw/gateway/pkg/knowledge"
	"github.com/intelliclaw/gateway/pkg/llms"
	"github.com/intelliclaw/gateway/pkg/memory"
	"github.com/intelliclaw/gateway/pkg/monitor"
	"github.com/intelliclaw/gateway/pkg/observability"
	"github.com/intelliclaw/gateway/pkg/policy"
	"github.com/intelliclaw/gateway/pkg/ratelimit"
	"github.com/intelliclaw/gateway/pkg/scheduler"
	"github.com/intelliclaw/gateway/pkg/server"
	"github.com/intelliclaw/gateway/pkg/session"
	"github.com/intelliclaw/gateway/pkg/supervisor"
	"github.com/intelliclaw/gateway/pkg/tools"
	"github.com/intelliclaw/gateway/pkg/vector"
	"github.com/intelliclaw/gateway/pkg/webhook"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Host  string `help:"Override the configured bind address."`
	Port  int    `help:"Override the configured port."`
	Watch bool   `help:"Apply rate-limit, approval, and alert changes when the config source updates."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	gw.mon.Start()
	if cfg.Scheduler.IsEnabled() {
		gw.sched.Start()
		gw.schedStarted = true
	}
	if gw.watcher != nil {
		go func() {
			if err := gw.watcher.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Knowledge watcher stopped", "error", err)
			}
		}()
	}
	if c.Watch && loader != nil {
		watching := config.NewLoader(loader.Provider(), config.WithOnChange(func(next *config.Config) {
			applyRuntimeConfig(gw, next)
		}))
		go func() {
			if err := watching.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.srv.Start()
	}()

	slog.Info("Gateway listening",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"auth", cfg.Auth.IsEnabled(),
		"providers", len(gw.providers.Names()),
		"tools", gw.tools.Count(),
		"data_dir", cfg.Server.DataDir,
	)
	if cfg.Auth.IsEnabled() && gw.auth.NeedsSetup() {
		slog.Warn("Auth is enabled but no accounts exist; run `gateway setup` to create the first admin")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	gw.shutdown(shutdownCtx)
	return nil
}

// gatewayRuntime bundles the constructed components with what shutdown
// and hot-reload need to reach.
type gatewayRuntime struct {
	cfg  *config.Config
	srv  *server.Server
	mon  *monitor.Monitor
	obs  *observability.Manager
	pool *config.DBPool

	sched        *scheduler.Scheduler
	schedStarted bool

	hooks   *webhook.Dispatcher
	watcher *knowledge.Watcher

	limiter   *ratelimit.Limiter
	queue     *approval.Queue
	engine    *chat.Engine
	providers *llms.Registry
	tools     *tools.Registry
	auth      *auth.Service

	sourceClosers []func() error
}

// buildGateway wires every component the request pipeline and the
// daemons need. Nothing is started here.
func buildGateway(ctx context.Context, cfg *config.Config) (*gatewayRuntime, error) {
	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	var metrics observability.Metrics
	if m := obs.Metrics(); m != nil {
		metrics = m
	}

	allow := llms.AllowlistFromEnv()
	keys := llms.NewKeyStore(cfg.Keys)
	providers, err := llms.NewRegistry(cfg.Providers, keys, allow)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	failover := llms.NewFailover(providers, cfg.Failover, metrics)

	auditLog, err := audit.New(cfg.Audit.File, audit.KeyFromEnv(config.EnvAuditKey))
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	consentLog, err := consent.New(cfg.Consent.File)
	if err != nil {
		return nil, fmt.Errorf("consent log: %w", err)
	}
	memStore, err := memory.NewStore(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("agent memory: %w", err)
	}

	pool := config.NewDBPool()
	sessions, err := session.New(cfg.Sessions, pool)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	pol, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("content policy: %w", err)
	}
	caps := capability.NewRegistry(cfg.Capabilities)
	queue := approval.NewQueue(cfg.Approvals.QueueThreshold, metrics)
	sup, err := supervisor.New(pol, caps, queue, cfg.Capabilities.SchemaDir, metrics)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	hooks, err := webhook.NewDispatcher(cfg.Webhooks, metrics)
	if err != nil {
		return nil, fmt.Errorf("webhooks: %w", err)
	}
	limiter := ratelimit.New(cfg.RateLimits)
	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	var kb *knowledge.Pipeline
	if cfg.Vector.IsEnabled() {
		store, err := vector.New(cfg.Vector)
		if err != nil {
			return nil, fmt.Errorf("vector store: %w", err)
		}
		embKey := cfg.Vector.Embedder.APIKey
		if embKey == "" {
			embKey, _ = keys.Resolve("embedder")
		}
		emb, err := vector.NewEmbedder(cfg.Vector.Embedder, embKey, allow)
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		kb = knowledge.NewPipeline(vector.NewIndex(store, emb), cfg.Knowledge)
	} else if cfg.Knowledge.IsEnabled() {
		slog.Warn("Knowledge ingestion requires vector.enabled; skipping")
	}

	toolReg := tools.NewRegistry(metrics)
	builtins, err := tools.Builtins(memStore, kb)
	if err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	if err := toolReg.RegisterAll(builtins); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}

	engine := chat.NewEngine(chat.EngineConfig{
		Failover:    failover,
		Tools:       toolReg,
		Approvals:   queue,
		Sessions:    sessions,
		Prompts:     chat.NewBuilder(cfg.Chat, kb),
		Metrics:     metrics,
		Chat:        cfg.Chat,
		GateTimeout: time.Duration(cfg.Approvals.GateTimeoutSeconds) * time.Second,
	})
	spawn, err := engine.SpawnTool()
	if err != nil {
		return nil, fmt.Errorf("spawn tool: %w", err)
	}
	if err := toolReg.Register(spawn); err != nil {
		return nil, fmt.Errorf("spawn tool: %w", err)
	}
	compactor := chat.NewCompactor(sessions, failover, cfg.Chat)

	// External tool sources connect best-effort: a down MCP server or a
	// broken plugin must not keep the gateway from starting.
	var (
		probes  []monitor.Probe
		closers []func() error
	)
	for _, src := range tools.Sources(cfg.Tools) {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		discovered, err := src.Connect(connectCtx)
		cancel()
		if err != nil {
			slog.Warn("Skipping tool source", "source", src.Name(), "error", err)
			_ = src.Close()
			continue
		}
		if err := toolReg.RegisterAll(discovered); err != nil {
			slog.Warn("Tool source name conflict", "source", src.Name(), "error", err)
		}
		closers = append(closers, src.Close)
		if p, ok := src.(monitor.Probe); ok {
			probes = append(probes, p)
		}
		slog.Info("Connected tool source", "source", src.Name(), "tools", len(discovered))
	}

	sched, err := scheduler.New(cfg.Scheduler, scheduledExecutor(sup, toolReg))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	mon := monitor.New(monitor.Config{
		Approvals: cfg.Approvals,
		Alerts:    cfg.Alerts,
		WorkerURL: cfg.Tools.WorkerURL,
		Queue:     queue,
		Audit:     auditLog,
		Webhooks:  hooks,
		Probes:    probes,
	})
	sup.OnValidationError = mon.RecordValidationError

	srv := server.New(server.Deps{
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
		Providers:  providers,
		Failover:   failover,
		Keys:       keys,
		Audit:      auditLog,
		Consent:    consentLog,
		Webhooks:   hooks,
		Memory:     memStore,
		Knowledge:  kb,
		Scheduler:  sched,
		Monitor:    mon,
		Metrics:    metrics,
		Version:    buildVersion(),
	})
	mon.BindQueue(queue, srv.PublishApproval)

	var watcher *knowledge.Watcher
	if kb != nil && cfg.Knowledge.IsEnabled() && cfg.Knowledge.WatchDir != "" {
		watcher = knowledge.NewWatcher(kb, cfg.Knowledge.WatchDir)
	}

	return &gatewayRuntime{
		cfg:           cfg,
		srv:           srv,
		mon:           mon,
		obs:           obs,
		pool:          pool,
		sched:         sched,
		hooks:         hooks,
		watcher:       watcher,
		limiter:       limiter,
		queue:         queue,
		engine:        engine,
		providers:     providers,
		tools:         toolReg,
		auth:          authSvc,
		sourceClosers: closers,
	}, nil
}

// scheduledExecutor gates recurring tasks through the same pipeline as
// live calls. Accepted calls run locally when the registry has the
// tool; otherwise acceptance itself is the recorded result, mirroring
// /tools/call where execution happens on the caller's side.
func scheduledExecutor(sup *supervisor.Supervisor, registry *tools.Registry) scheduler.Executor {
	return func(ctx context.Context, tool string, args map[string]any) (string, error) {
		if args == nil {
			args = map[string]any{}
		}
		verdict := sup.ProcessCall(ctx, map[string]any{"tool": tool, "args": args})
		switch verdict.Status {
		case supervisor.StatusAccepted:
		case supervisor.StatusPendingApproval:
			return fmt.Sprintf("queued for approval (id %d)", verdict.ApprovalID), nil
		default:
			return "", fmt.Errorf("%s: %s", verdict.Status, verdict.Message)
		}

		if _, ok := registry.Get(tool); !ok {
			return "accepted", nil
		}
		out, err := registry.Execute(ctx, tool, verdict.Args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", out), nil
	}
}

// applyRuntimeConfig hot-applies the sections that are safe to change
// without a restart; everything else needs a new process.
func applyRuntimeConfig(gw *gatewayRuntime, next *config.Config) {
	gw.limiter.Reconfigure(next.RateLimits)
	gw.queue.SetThreshold(next.Approvals.QueueThreshold)
	if next.Approvals.GateTimeoutSeconds > 0 {
		gw.engine.SetGateTimeout(time.Duration(next.Approvals.GateTimeoutSeconds) * time.Second)
	}
	gw.mon.Reconfigure(next.Alerts, time.Duration(next.Approvals.TimeoutSeconds)*time.Second)
	slog.Info("Applied updated config",
		"sections", "rate_limits, approvals, alerts",
	)
}

func (g *gatewayRuntime) shutdown(ctx context.Context) {
	if err := g.srv.Stop(ctx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if g.schedStarted {
		g.sched.Stop()
	}
	g.mon.Stop()
	g.hooks.Close()
	for _, closeSource := range g.sourceClosers {
		if err := closeSource(); err != nil {
			slog.Warn("Tool source close", "error", err)
		}
	}
	if err := g.obs.Shutdown(ctx); err != nil {
		slog.Warn("Observability shutdown", "error", err)
	}
	if err := g.pool.Close(); err != nil {
		slog.Warn("Session pool close", "error", err)
	}
}
