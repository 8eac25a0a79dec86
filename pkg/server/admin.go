package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/observability"
	"github.com/intelliclaw/gateway/pkg/scheduler"
)

// toolSnapshotter is the slice of the metrics implementation the admin
// API needs; the Metrics interface itself stays write-only.
type toolSnapshotter interface {
	ToolSnapshot() []observability.ToolStat
}

// handleStatus is the operator dashboard: one call, whole picture.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, reason := s.kill.State()

	providers := []map[string]any{}
	if s.deps.Providers != nil {
		var cooldowns map[string]int
		if s.deps.Failover != nil {
			cooldowns = s.deps.Failover.Cooldowns()
		}
		for _, name := range s.deps.Providers.Names() {
			p, _ := s.deps.Providers.Get(name)
			entry := map[string]any{
				"name":      name,
				"model":     p.Model(),
				"available": p.IsAvailable(),
			}
			if secs, ok := cooldowns[name]; ok {
				entry["cooldown_seconds"] = secs
			}
			if s.deps.Keys != nil {
				entry["key"] = s.deps.Keys.Status(name)
			}
			providers = append(providers, entry)
		}
	}

	status := map[string]any{
		"version":        s.deps.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"kill_switch":    map[string]any{"active": active, "reason": reason},
		"providers":      providers,
		"auth_enabled":   s.deps.Auth.Enabled(),
	}
	if s.deps.Queue != nil {
		status["pending_approvals"] = s.deps.Queue.Pending()
	}
	if s.deps.Tools != nil {
		status["tools"] = s.deps.Tools.Count()
	}
	if s.deps.Policy != nil {
		status["policy_rules"] = len(s.deps.Policy.Rules())
	}
	if s.deps.Monitor != nil {
		status["worker_health"] = s.deps.Monitor.WorkerHealth()
		status["validation_errors"] = s.deps.Monitor.ValidationErrors()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.deps.Metrics.(toolSnapshotter); ok {
		writeJSON(w, http.StatusOK, map[string]any{"tools": snap.ToolSnapshot()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": []any{}})
}

func (s *Server) handleRateLimitsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config": s.deps.Limiter.Config(),
		"usage":  s.deps.Limiter.Snapshot(),
	})
}

// handleRateLimitsPut replaces the limit configuration. Existing
// windows keep their recorded timestamps.
func (s *Server) handleRateLimitsPut(w http.ResponseWriter, r *http.Request) {
	var cfg config.RateLimitConfig
	if err := readJSON(r, &cfg); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Limiter.Reconfigure(cfg)
	applied := s.deps.Limiter.Config()
	s.record(r, "rate_limits.updated", map[string]any{
		"max_requests":        applied.MaxRequests,
		"window_seconds":      applied.WindowSeconds,
		"burst":               applied.Burst,
		"user_max_requests":   applied.UserMaxRequests,
		"user_window_seconds": applied.UserWindowSeconds,
	})
	writeJSON(w, http.StatusOK, map[string]any{"config": applied})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	reset := s.deps.Limiter.Reset(key)
	s.record(r, "rate_limits.reset", map[string]any{"key": key, "reset": reset})
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "reset": reset})
}

func (s *Server) handleAlertsConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeDetail(w, http.StatusServiceUnavailable, "alert monitor disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.AlertConfig())
}

func (s *Server) handleAlertsConfigPut(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeDetail(w, http.StatusServiceUnavailable, "alert monitor disabled")
		return
	}
	var cfg config.AlertsConfig
	if err := readJSON(r, &cfg); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Monitor.Reconfigure(cfg, s.deps.Monitor.ApprovalTimeout())
	applied := s.deps.Monitor.AlertConfig()
	s.record(r, "alerts.config_updated", map[string]any{
		"validation_error_window_seconds": applied.ValidationErrorWindowSeconds,
		"validation_error_threshold":      applied.ValidationErrorThreshold,
	})
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleApprovalsConfigGet(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if s.deps.Monitor != nil {
		body["timeout_seconds"] = int(s.deps.Monitor.ApprovalTimeout().Seconds())
	}
	if s.deps.Queue != nil {
		body["queue_threshold"] = s.deps.Queue.Threshold()
	}
	if s.deps.Engine != nil {
		body["gate_timeout_seconds"] = int(s.deps.Engine.GateTimeout().Seconds())
	}
	writeJSON(w, http.StatusOK, body)
}

// handleApprovalsConfigPut replaces the approvals section: reaper
// timeout, queue depth alert threshold, and the in-loop gate wait.
func (s *Server) handleApprovalsConfigPut(w http.ResponseWriter, r *http.Request) {
	var cfg config.ApprovalsConfig
	if err := readJSON(r, &cfg); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.TimeoutSeconds < 0 || cfg.QueueThreshold < 0 {
		writeDetail(w, http.StatusBadRequest, "timeouts and thresholds must not be negative")
		return
	}

	if s.deps.Monitor != nil {
		s.deps.Monitor.Reconfigure(s.deps.Monitor.AlertConfig(), time.Duration(cfg.TimeoutSeconds)*time.Second)
	}
	if s.deps.Queue != nil {
		s.deps.Queue.SetThreshold(cfg.QueueThreshold)
	}
	if s.deps.Engine != nil && cfg.GateTimeoutSeconds > 0 {
		s.deps.Engine.SetGateTimeout(time.Duration(cfg.GateTimeoutSeconds) * time.Second)
	}

	s.record(r, "approvals.config_updated", map[string]any{
		"timeout_seconds":      cfg.TimeoutSeconds,
		"queue_threshold":      cfg.QueueThreshold,
		"gate_timeout_seconds": cfg.GateTimeoutSeconds,
	})
	s.handleApprovalsConfigGet(w, r)
}

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, r *http.Request) {
	active, reason := s.kill.State()
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "reason": reason})
}

func (s *Server) handleKillSwitchPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.kill.Set(body.Active, body.Reason)

	event := "kill_switch.disarmed"
	if body.Active {
		event = "kill_switch.armed"
	}
	s.record(r, event, map[string]any{"reason": body.Reason})

	active, reason := s.kill.State()
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "reason": reason})
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.deps.Auth.Users().List()})
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.deps.Auth.Users().Create(body.Username, body.Password, body.Roles)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "user.created", map[string]any{"username": user.Username, "roles": user.Roles})
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var body struct {
		Roles        []string `json:"roles"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.deps.Auth.Users().Update(username, body.Roles, body.AllowedTools)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "user.updated", map[string]any{
		"username":      username,
		"roles":         user.Roles,
		"allowed_tools": user.AllowedTools,
	})
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := s.deps.Auth.Users().Delete(username); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "user.deleted", map[string]any{"username": username})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": username})
}

func (s *Server) handleUserPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var body struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Auth.Users().SetPassword(username, body.Password); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "user.password_changed", map[string]any{"username": username})
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "updated": true})
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil || s.deps.Providers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.deps.Keys.Statuses(s.deps.Providers.Names()),
	})
}

func (s *Server) handleProviderKeySet(w http.ResponseWriter, r *http.Request) {
	s.setProviderKey(w, r, false)
}

func (s *Server) handleProviderKeyRotate(w http.ResponseWriter, r *http.Request) {
	s.setProviderKey(w, r, true)
}

// setProviderKey stores or rotates a provider key. The key itself
// never reaches the audit log, only the provider name and TTL.
func (s *Server) setProviderKey(w http.ResponseWriter, r *http.Request, rotate bool) {
	if s.deps.Keys == nil {
		writeDetail(w, http.StatusServiceUnavailable, "key store disabled")
		return
	}
	provider := chi.URLParam(r, "provider")
	var body struct {
		APIKey  string `json:"api_key"`
		TTLDays int    `json:"ttl_days"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.APIKey == "" {
		writeDetail(w, http.StatusBadRequest, "api_key is required")
		return
	}

	var err error
	event := "provider.key_set"
	if rotate {
		event = "provider.key_rotated"
		err = s.deps.Keys.Rotate(provider, body.APIKey, body.TTLDays)
	} else {
		err = s.deps.Keys.Set(provider, body.APIKey, body.TTLDays)
	}
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, event, map[string]any{"provider": provider, "ttl_days": body.TTLDays})
	writeJSON(w, http.StatusOK, s.deps.Keys.Status(provider))
}

func (s *Server) handleProviderKeyStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeDetail(w, http.StatusServiceUnavailable, "key store disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Keys.Status(chi.URLParam(r, "provider")))
}

func (s *Server) handlePolicyRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   s.deps.Policy.Rules(),
		"version": s.deps.Policy.Version(),
	})
}

func (s *Server) handlePolicyRuleAdd(w http.ResponseWriter, r *http.Request) {
	var rule config.ContentRule
	if err := readJSON(r, &rule); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Policy.AddRule(rule); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "policy.rule_added", map[string]any{
		"label":   rule.Label,
		"pattern": rule.Pattern,
		"mode":    rule.Mode,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"label":   rule.Label,
		"version": s.deps.Policy.Version(),
	})
}

func (s *Server) handlePolicyRuleRemove(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if err := s.deps.Policy.RemoveRule(label); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "policy.rule_removed", map[string]any{"label": label})
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": label,
		"version": s.deps.Policy.Version(),
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Policy.Reload(); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, "policy.reloaded", map[string]any{"rules": len(s.deps.Policy.Rules())})
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   s.deps.Policy.Rules(),
		"version": s.deps.Policy.Version(),
	})
}

// handleManifestsReload rebuilds the capability snapshot and drops the
// compiled per-tool schema cache in one step.
func (s *Server) handleManifestsReload(w http.ResponseWriter, r *http.Request) {
	s.deps.Caps.Reload()
	if s.deps.Supervisor != nil {
		s.deps.Supervisor.ReloadSchemas()
	}
	s.record(r, "manifests.reloaded", map[string]any{"version": s.deps.Caps.Version()})
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"version":  s.deps.Caps.Version(),
	})
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Scheduler.List()})
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	var body struct {
		Name     string         `json:"name"`
		Tool     string         `json:"tool"`
		Args     map[string]any `json:"args"`
		Interval int64          `json:"interval"`
		Enabled  bool           `json:"enabled"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Scheduler.Create(body.Name, body.Tool, body.Args, body.Interval, body.Enabled)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "schedule.created", map[string]any{
		"task_id":  task.ID,
		"name":     task.Name,
		"tool":     task.Tool,
		"interval": task.Interval,
	})
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	task, ok := s.deps.Scheduler.Get(chi.URLParam(r, "id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Scheduler.Get(id); !ok {
		writeDetail(w, http.StatusNotFound, "task not found")
		return
	}
	var body struct {
		Name     *string        `json:"name"`
		Tool     *string        `json:"tool"`
		Args     map[string]any `json:"args"`
		Interval *int64         `json:"interval"`
		Enabled  *bool          `json:"enabled"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Scheduler.Apply(id, scheduler.Update{
		Name:     body.Name,
		Tool:     body.Tool,
		Args:     body.Args,
		Interval: body.Interval,
		Enabled:  body.Enabled,
	})
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "schedule.updated", map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Scheduler.Delete(id); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "schedule.deleted", map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleScheduleToggle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.deps.Scheduler.Toggle(id)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "schedule.toggled", map[string]any{"task_id": id, "enabled": task.Enabled})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.deps.Scheduler.Trigger(id)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "schedule.triggered", map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeDetail(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Scheduler.Get(id); !ok {
		writeDetail(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.deps.Scheduler.History(id)})
}
