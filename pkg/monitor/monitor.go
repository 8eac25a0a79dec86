// Package monitor runs the gateway's background daemons: the approval
// reaper, which times out stale requests, and the alert sweep, which
// probes tool backends and watches the validation-error rate. Both
// loops convert panics into log lines so a bad pass never takes the
// process down.
package monitor

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/audit"
	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/webhook"
)

const (
	reapInterval = 5 * time.Second
	probeTimeout = 5 * time.Second

	// workerTarget names the sandbox worker in health snapshots and
	// alert payloads.
	workerTarget = "worker"
)

// Probe is a tool backend the sweep can health-check. Plugin sources
// satisfy it.
type Probe interface {
	Name() string
	Ping() error
}

// TargetHealth is one probe target's last observed state.
type TargetHealth struct {
	Target    string    `json:"target"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config wires the monitor's inputs. Audit and Webhooks may be nil;
// those sinks are skipped.
type Config struct {
	Approvals config.ApprovalsConfig
	Alerts    config.AlertsConfig

	// WorkerURL is the sandbox worker's base URL. Empty disables the
	// HTTP probe; the sweep GETs <WorkerURL>/health otherwise.
	WorkerURL string

	Queue    *approval.Queue
	Audit    *audit.Log
	Webhooks *webhook.Dispatcher
	Probes   []Probe

	// Client overrides the probe HTTP client, mainly for tests.
	Client *http.Client
}

// Monitor owns the reaper and sweep loops plus the state they share
// with the health endpoints.
type Monitor struct {
	queue    *approval.Queue
	audit    *audit.Log
	webhooks *webhook.Dispatcher
	client   *http.Client

	workerURL       string
	probes          []Probe
	approvalTimeout time.Duration
	sweepInterval   time.Duration
	window          time.Duration
	threshold       int

	mu       sync.Mutex
	errTimes []time.Time
	health   map[string]*TargetHealth

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a monitor from validated config. Start launches the
// daemons; Stop halts them and waits for the final pass.
func New(cfg Config) *Monitor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	sweep := time.Duration(cfg.Alerts.WorkerCheckIntervalSeconds) * time.Second
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	window := time.Duration(cfg.Alerts.ValidationErrorWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{
		queue:           cfg.Queue,
		audit:           cfg.Audit,
		webhooks:        cfg.Webhooks,
		client:          client,
		workerURL:       strings.TrimRight(cfg.WorkerURL, "/"),
		probes:          cfg.Probes,
		approvalTimeout: time.Duration(cfg.Approvals.TimeoutSeconds) * time.Second,
		sweepInterval:   sweep,
		window:          window,
		threshold:       cfg.Alerts.ValidationErrorThreshold,
		health:          make(map[string]*TargetHealth),
		stop:            make(chan struct{}),
	}
}

// Start launches the daemons. The reaper pass is a no-op while the
// approval timeout is zero, so enabling a timeout later never needs a
// restart.
func (m *Monitor) Start() {
	if m.queue != nil {
		m.wg.Add(1)
		go m.reapLoop()
	}
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts both loops and waits for in-flight passes to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// RecordValidationError appends a timestamp to the sliding window. The
// supervisor's validation hook should be bound here.
func (m *Monitor) RecordValidationError() {
	m.mu.Lock()
	m.errTimes = append(m.errTimes, time.Now())
	m.mu.Unlock()
}

// BindQueue wires the approval queue's hooks: lifecycle events become
// approval.* webhooks (and reach extra, typically the approvals SSE
// broadcaster) and depth breaches become queue-depth alerts.
func (m *Monitor) BindQueue(q *approval.Queue, extra func(event string, req *approval.Request)) {
	q.Notify = func(event string, req *approval.Request) {
		if m.webhooks != nil {
			m.webhooks.Fire("approval."+event, req)
		}
		if extra != nil {
			extra(event, req)
		}
	}
	q.DepthAlert = func(pending, threshold int) {
		m.Alert(map[string]any{
			"alert":             "approval_queue_depth",
			"pending_approvals": pending,
			"threshold":         threshold,
		})
	}
}

// Reconfigure swaps the validation-error window and threshold, and the
// approval timeout the reaper applies on its next pass. The sweep
// interval is fixed at construction.
func (m *Monitor) Reconfigure(alerts config.AlertsConfig, approvalTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alerts.ValidationErrorWindowSeconds > 0 {
		m.window = time.Duration(alerts.ValidationErrorWindowSeconds) * time.Second
	}
	if alerts.ValidationErrorThreshold > 0 {
		m.threshold = alerts.ValidationErrorThreshold
	}
	if approvalTimeout >= 0 {
		m.approvalTimeout = approvalTimeout
	}
}

// AlertConfig reports the live sweep settings.
func (m *Monitor) AlertConfig() config.AlertsConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return config.AlertsConfig{
		WorkerCheckIntervalSeconds:   int(m.sweepInterval.Seconds()),
		ValidationErrorWindowSeconds: int(m.window.Seconds()),
		ValidationErrorThreshold:     m.threshold,
	}
}

// ApprovalTimeout reports the reaper's current timeout.
func (m *Monitor) ApprovalTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approvalTimeout
}

// Alert writes an alert_fired audit entry and fires the gateway.alert
// webhook with the same payload. The approval queue's depth hook
// should be bound here too so every alert takes one path.
func (m *Monitor) Alert(payload map[string]any) {
	if m.audit != nil {
		m.audit.Record("alert_fired", "system", payload)
	}
	if m.webhooks != nil {
		m.webhooks.Fire("gateway.alert", payload)
	}
}

// WorkerHealth reports the last observed state of every probe target,
// sorted by name. Empty until the first sweep.
func (m *Monitor) WorkerHealth() []TargetHealth {
	m.mu.Lock()
	out := make([]TargetHealth, 0, len(m.health))
	for _, st := range m.health {
		out = append(out, *st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Healthy reports whether every probed target was up at its last
// check. True when nothing has been probed yet.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.health {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// ValidationErrors returns the current in-window error count.
func (m *Monitor) ValidationErrors() int {
	count, _, _ := m.trimErrors(time.Now())
	return count
}

func (m *Monitor) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.guard("approval reaper", m.reapOnce)
		}
	}
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()
	// Prime health state so the endpoints have data before the first
	// tick lands.
	m.guard("alert sweep", m.sweep)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.guard("alert sweep", m.sweep)
		}
	}
}

// guard converts daemon panics into log lines so one bad pass never
// kills the loop.
func (m *Monitor) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Monitor daemon panicked", "daemon", name, "panic", r)
		}
	}()
	fn()
}

// reapOnce expires pending approvals past the timeout. The queue's
// Notify hook handles the approval.rejected webhook per request; the
// reaper adds the audit trail and the operator alert.
func (m *Monitor) reapOnce() {
	m.mu.Lock()
	timeout := m.approvalTimeout
	m.mu.Unlock()

	for _, id := range m.queue.ExpirePending(timeout) {
		slog.Info("Approval request timed out", "id", id)
		// The status change gets its own audit record; alert_fired below
		// documents the alert, not the rejection.
		if m.audit != nil {
			m.audit.Record("approval.rejected", "system", map[string]any{
				"approval_id": id,
				"reason":      "timeout",
			})
		}
		m.Alert(map[string]any{
			"alert":       "approval_timeout",
			"approval_id": id,
			"reason":      "timeout",
		})
	}
}

func (m *Monitor) sweep() {
	if m.workerURL != "" {
		m.observe(workerTarget, m.probeWorker())
	}
	for _, p := range m.probes {
		m.observe("plugin:"+p.Name(), p.Ping())
	}
	m.checkValidationRate()
}

func (m *Monitor) probeWorker() error {
	req, err := http.NewRequest(http.MethodGet, m.workerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	return nil
}

// observe updates a target's health record and fires an alert on the
// transition. Targets start out assumed healthy, so a failing first
// probe alerts immediately.
func (m *Monitor) observe(target string, err error) {
	now := time.Now()

	m.mu.Lock()
	prev, seen := m.health[target]
	st := &TargetHealth{Target: target, Healthy: err == nil, CheckedAt: now}
	if err != nil {
		st.Error = err.Error()
	}
	m.health[target] = st
	m.mu.Unlock()

	wasHealthy := !seen || prev.Healthy
	switch {
	case wasHealthy && err != nil:
		slog.Warn("Tool backend unhealthy", "target", target, "error", err)
		m.Alert(map[string]any{
			"alert":  "worker_unhealthy",
			"target": target,
			"error":  err.Error(),
		})
	case !wasHealthy && err == nil:
		slog.Info("Tool backend recovered", "target", target)
		m.Alert(map[string]any{
			"alert":  "worker_recovered",
			"target": target,
		})
	}
}

func (m *Monitor) checkValidationRate() {
	count, window, threshold := m.trimErrors(time.Now())
	if threshold > 0 && count >= threshold {
		slog.Warn("Validation error rate above threshold",
			"count", count, "window_seconds", int(window.Seconds()))
		m.Alert(map[string]any{
			"alert":     "validation_error_rate",
			"count":     count,
			"window":    int(window.Seconds()),
			"threshold": threshold,
		})
	}
}

// trimErrors drops timestamps that fell out of the window and returns
// the count that remains plus the settings in force at that moment.
func (m *Monitor) trimErrors(now time.Time) (int, time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.window)
	keep := m.errTimes[:0]
	for _, t := range m.errTimes {
		if !t.Before(cutoff) {
			keep = append(keep, t)
		}
	}
	m.errTimes = keep
	return len(keep), m.window, m.threshold
}
