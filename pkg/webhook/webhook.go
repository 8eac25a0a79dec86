// Package webhook delivers gateway events to registered HTTP endpoints.
//
// The registry persists as a JSON map keyed by hook id. Deliveries run on
// a bounded worker pool, sign bodies with HMAC-SHA256 when the hook has a
// secret, retry transient failures, and record the final outcome in a
// per-hook ring. Delivery failures never propagate to callers.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/observability"
)

// Event names a hook may subscribe to. Registration rejects anything else.
const (
	EventApprovalCreated  = "approval.created"
	EventApprovalApproved = "approval.approved"
	EventApprovalRejected = "approval.rejected"
	EventGatewayAlert     = "gateway.alert"
)

// Events is the closed set of deliverable event names.
var Events = []string{
	EventApprovalCreated,
	EventApprovalApproved,
	EventApprovalRejected,
	EventGatewayAlert,
}

const (
	// SignatureHeader carries sha256=<hex hmac-sha256(secret, body)>.
	SignatureHeader = "X-Intelli-Signature-256"
	eventHeader     = "X-Gateway-Event"
	hookIDHeader    = "X-Gateway-Hook-ID"

	deliveryRingSize = 100
)

// Hook is the persisted registration. Secret never leaves this package;
// external responses use View.
type Hook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// View is the public shape of a hook: the secret is replaced by a
// boolean so callers can tell signed hooks apart without seeing the key.
type View struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Signed    bool      `json:"signed"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryRecord is one finished delivery attempt sequence.
type DeliveryRecord struct {
	Timestamp  time.Time `json:"ts"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Dispatcher owns the hook registry and the delivery pool.
type Dispatcher struct {
	mu         sync.Mutex
	path       string
	hooks      map[string]*Hook
	deliveries map[string][]DeliveryRecord
	closed     bool

	client     *http.Client
	sem        *semaphore.Weighted
	maxRetries int
	metrics    observability.Metrics
	wg         sync.WaitGroup
	sleep      func(time.Duration)
}

// NewDispatcher loads the persisted registry (a missing file is an empty
// registry) and sizes the worker pool from cfg.
func NewDispatcher(cfg config.WebhookConfig, metrics observability.Metrics) (*Dispatcher, error) {
	d := &Dispatcher{
		path:       cfg.File,
		hooks:      make(map[string]*Hook),
		deliveries: make(map[string][]DeliveryRecord),
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		maxRetries: cfg.MaxRetries,
		metrics:    metrics,
		sleep:      time.Sleep,
	}

	data, err := os.ReadFile(cfg.File)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook registry: %w", err)
	}
	if err := json.Unmarshal(data, &d.hooks); err != nil {
		return nil, fmt.Errorf("failed to parse webhook registry %s: %w", cfg.File, err)
	}
	return d, nil
}

func knownEvent(name string) bool {
	for _, e := range Events {
		if e == name {
			return true
		}
	}
	return false
}

// Register validates and persists a new hook, returning its public view.
func (d *Dispatcher) Register(rawURL string, events []string, secret string) (*View, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url must be absolute http or https")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}
	for _, e := range events {
		if !knownEvent(e) {
			return nil, fmt.Errorf("unknown event %q", e)
		}
	}

	hook := &Hook{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Events:    append([]string(nil), events...),
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[hook.ID] = hook
	if err := d.saveLocked(); err != nil {
		delete(d.hooks, hook.ID)
		return nil, err
	}
	return hook.view(), nil
}

// Get returns the public view of one hook.
func (d *Dispatcher) Get(id string) (*View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hook, ok := d.hooks[id]
	if !ok {
		return nil, false
	}
	return hook.view(), true
}

// List returns all hooks as public views, oldest first.
func (d *Dispatcher) List() []*View {
	d.mu.Lock()
	defer d.mu.Unlock()
	views := make([]*View, 0, len(d.hooks))
	for _, hook := range d.hooks {
		views = append(views, hook.view())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Delete removes a hook and its delivery history.
func (d *Dispatcher) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(d.hooks, id)
	delete(d.deliveries, id)
	return d.saveLocked()
}

// Deliveries returns the per-hook delivery ring, newest first.
func (d *Dispatcher) Deliveries(id string) []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeliveryRecord(nil), d.deliveries[id]...)
}

// Fire delivers event to every subscribed hook asynchronously. The payload
// is encoded once; per-hook outcomes land in the delivery ring and are
// never reported to the caller.
func (d *Dispatcher) Fire(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Webhook payload not serialisable", "event", event, "error", err)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var targets []*Hook
	for _, hook := range d.hooks {
		if hook.subscribes(event) {
			targets = append(targets, hook)
		}
	}
	d.wg.Add(len(targets))
	d.mu.Unlock()

	for _, hook := range targets {
		go func(h Hook) {
			defer d.wg.Done()
			if err := d.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			defer d.sem.Release(1)
			d.deliver(&h, event, body)
		}(*hook)
	}
}

// Close waits for in-flight deliveries. Fires after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// deliver POSTs the encoded body, retrying network errors and 5xx
// responses with exponential sleeps. A 4xx response stops immediately.
func (d *Dispatcher) deliver(hook *Hook, event string, body []byte) {
	rec := DeliveryRecord{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Status:    "error",
	}

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		rec.Attempts = attempt + 1
		code, err := d.post(hook, event, body)
		rec.StatusCode = code
		switch {
		case err != nil:
			rec.Error = err.Error()
		case code < 300:
			rec.Status = "ok"
			rec.Error = ""
		default:
			rec.Error = fmt.Sprintf("HTTP %d", code)
		}

		if rec.Status == "ok" {
			break
		}
		if err == nil && code >= 300 && code < 500 {
			break
		}
		if attempt < d.maxRetries-1 {
			d.sleep(time.Duration(1<<attempt) * time.Second)
		}
	}

	ok := rec.Status == "ok"
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(context.Background(), event, ok)
	}
	if !ok {
		slog.Warn("Webhook delivery failed",
			"hook", hook.ID,
			"event", event,
			"attempts", rec.Attempts,
			"error", rec.Error)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.hooks[hook.ID]; !live {
		return
	}
	ring := append([]DeliveryRecord{rec}, d.deliveries[hook.ID]...)
	if len(ring) > deliveryRingSize {
		ring = ring[:deliveryRingSize]
	}
	d.deliveries[hook.ID] = ring
}

func (d *Dispatcher) post(hook *Hook, event string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, event)
	req.Header.Set(hookIDHeader, hook.ID)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hook) subscribes(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (h *Hook) view() *View {
	return &View{
		ID:        h.ID,
		URL:       h.URL,
		Events:    append([]string(nil), h.Events...),
		Signed:    h.Secret != "",
		CreatedAt: h.CreatedAt,
	}
}

func (d *Dispatcher) saveLocked() error {
	data, err := json.MarshalIndent(d.hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode webhook registry: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write webhook registry: %w", err)
	}
	return nil
}
