// Package server is the gateway's HTTP control plane: tool-call
// intake, the approval queue, chat completion with SSE streaming, and
// the admin surface. Routing is chi; every response body is JSON
// except /metrics (Prometheus text) and the SSE streams.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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
	"github.com/intelliclaw/gateway/pkg/session"
	"github.com/intelliclaw/gateway/pkg/supervisor"
	"github.com/intelliclaw/gateway/pkg/tools"
	"github.com/intelliclaw/gateway/pkg/webhook"
)

// Deps carries every subsystem the HTTP layer fronts. Optional fields
// may be nil; the affected routes then answer 503 or an empty view.
type Deps struct {
	Config     *config.Config
	Auth       *auth.Service
	Limiter    *ratelimit.Limiter
	Supervisor *supervisor.Supervisor
	Queue      *approval.Queue
	Policy     *policy.Engine
	Caps       *capability.Registry
	Tools      *tools.Registry
	Engine     *chat.Engine
	Compactor  *chat.Compactor
	Sessions   session.Store
	Providers  *llms.Registry
	Failover   *llms.Failover
	Keys       *llms.KeyStore
	Audit      *audit.Log
	Consent    *consent.Log
	Webhooks   *webhook.Dispatcher
	Memory     *memory.Store
	Knowledge  *knowledge.Pipeline
	Scheduler  *scheduler.Scheduler
	Monitor    *monitor.Monitor
	Metrics    observability.Metrics
	Version    string
}

// Server owns the router, the kill switch, and the approval event
// fan-out. Construct with New, then Start.
type Server struct {
	deps    Deps
	cfg     config.ServerConfig
	kill    *KillSwitch
	events  *broadcaster
	httpSrv *http.Server
	started time.Time
}

func New(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		cfg:     deps.Config.Server,
		kill:    NewKillSwitch(),
		events:  newBroadcaster(),
		started: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSeconds) * time.Second,
	}
	return s
}

// Kill exposes the kill switch for callers outside the HTTP surface
// (the approvals CLI arms it over the API instead).
func (s *Server) Kill() *KillSwitch { return s.kill }

// PublishApproval feeds one approval lifecycle event to the SSE
// subscribers. Wired as the queue's notify fan-out.
func (s *Server) PublishApproval(event string, req *approval.Request) {
	s.events.publish(approvalEvent{Event: event, Request: req})
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness and metrics stay reachable without credentials so
	// probes and scrapers survive auth or limiter misconfiguration.
	r.Get("/health", s.handleHealth)
	r.Get("/health/worker", s.handleWorkerHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Token endpoints sit before the bearer check but behind the
	// limiter, so credential stuffing burns the client window.
	r.Group(func(r chi.Router) {
		r.Use(s.deps.Limiter.Middleware(auth.UsernameFromRequest, s.deps.Metrics))

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)
		r.Post("/auth/bootstrap", s.handleBootstrap)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.Middleware)
		r.Use(s.deps.Limiter.Middleware(auth.UsernameFromRequest, s.deps.Metrics))

		r.Get("/auth/me", s.handleWhoAmI)
		r.Post("/validate", s.handleValidate)
		r.Post("/tools/call", s.handleToolCall)
		r.Get("/tools/capabilities", s.handleCapabilities)

		r.Post("/chat/complete", s.handleChatComplete)
		r.Post("/chat/compact", s.handleChatCompact)
		r.Get("/chat/token-usage", s.handleTokenUsage)
		r.Get("/chat/sessions", s.handleSessionList)
		r.Get("/chat/sessions/{id}", s.handleSessionGet)
		r.Delete("/chat/sessions/{id}", s.handleSessionDelete)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.RequireRole("admin"))

			// The browser extension's older builds call the queue
			// under /agent/approvals; both prefixes stay live.
			r.Route("/approvals", s.approvalRoutes)
			r.Route("/agent/approvals", s.approvalRoutes)

			r.Get("/admin/status", s.handleStatus)
			r.Get("/admin/metrics/tools", s.handleToolMetrics)

			r.Get("/admin/rate-limits", s.handleRateLimitsGet)
			r.Put("/admin/rate-limits", s.handleRateLimitsPut)
			r.Delete("/admin/rate-limits/{key}", s.handleRateLimitReset)

			r.Get("/admin/alerts/config", s.handleAlertsConfigGet)
			r.Put("/admin/alerts/config", s.handleAlertsConfigPut)
			r.Get("/admin/approvals/config", s.handleApprovalsConfigGet)
			r.Put("/admin/approvals/config", s.handleApprovalsConfigPut)

			r.Get("/admin/kill-switch", s.handleKillSwitchGet)
			r.Put("/admin/kill-switch", s.handleKillSwitchPut)

			r.Get("/admin/webhooks", s.handleWebhookList)
			r.Post("/admin/webhooks", s.handleWebhookRegister)
			r.Get("/admin/webhooks/{id}", s.handleWebhookGet)
			r.Delete("/admin/webhooks/{id}", s.handleWebhookDelete)
			r.Get("/admin/webhooks/{id}/deliveries", s.handleWebhookDeliveries)

			r.Get("/admin/audit", s.handleAuditExport)
			r.Get("/admin/audit/export.csv", s.handleAuditExportCSV)

			r.Get("/admin/users", s.handleUserList)
			r.Post("/admin/users", s.handleUserCreate)
			r.Put("/admin/users/{username}", s.handleUserUpdate)
			r.Delete("/admin/users/{username}", s.handleUserDelete)
			r.Put("/admin/users/{username}/password", s.handleUserPassword)

			r.Get("/admin/providers", s.handleProviderList)
			r.Put("/admin/providers/{provider}/key", s.handleProviderKeySet)
			r.Post("/admin/providers/{provider}/rotate", s.handleProviderKeyRotate)
			r.Get("/admin/providers/{provider}/status", s.handleProviderKeyStatus)

			r.Get("/admin/policy/rules", s.handlePolicyRules)
			r.Post("/admin/policy/rules", s.handlePolicyRuleAdd)
			r.Delete("/admin/policy/rules/{label}", s.handlePolicyRuleRemove)
			r.Post("/admin/policy/reload", s.handlePolicyReload)
			r.Post("/admin/manifests/reload", s.handleManifestsReload)

			r.Get("/admin/schedule", s.handleScheduleList)
			r.Post("/admin/schedule", s.handleScheduleCreate)
			r.Get("/admin/schedule/{id}", s.handleScheduleGet)
			r.Put("/admin/schedule/{id}", s.handleScheduleUpdate)
			r.Delete("/admin/schedule/{id}", s.handleScheduleDelete)
			r.Post("/admin/schedule/{id}/toggle", s.handleScheduleToggle)
			r.Post("/admin/schedule/{id}/trigger", s.handleScheduleTrigger)
			r.Get("/admin/schedule/{id}/history", s.handleScheduleHistory)

			r.Get("/consent/timeline", s.handleConsentTimeline)
			r.Get("/consent/export/{actor}", s.handleConsentExport)
			r.Delete("/consent/export/{actor}", s.handleConsentErase)

			r.Get("/agents", s.handleAgentList)
			r.Get("/agents/{agent}/memory", s.handleMemoryAll)
			r.Get("/agents/{agent}/memory/{key}", s.handleMemoryGet)
			r.Put("/agents/{agent}/memory/{key}", s.handleMemorySet)
			r.Delete("/agents/{agent}/memory/{key}", s.handleMemoryDelete)
			r.Get("/admin/memory/export", s.handleMemoryExport)
			r.Post("/admin/memory/import", s.handleMemoryImport)

			r.Post("/admin/knowledge/ingest", s.handleKnowledgeIngest)
			r.Get("/admin/knowledge/search", s.handleKnowledgeSearch)
		})
	})

	return r
}

// Start blocks on ListenAndServe until Stop or a listener error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests, then closes SSE subscribers.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.events.closeAll()
	return err
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "targets": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": s.deps.Monitor.Healthy(),
		"targets": s.deps.Monitor.WorkerHealth(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDetail is the FastAPI-shaped error body the extension already
// parses: {"detail": ...}.
func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func readJSON(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// record writes an audit entry for an admin mutation, tagged with the
// acting user. Mutations are audited regardless of their outcome.
func (s *Server) record(r *http.Request, event string, details map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.Record(event, auth.ActorFromRequest(r), details)
}
