// Package approval holds tool calls that need a human verdict. The
// queue is in-memory and append-only: requests transition from pending
// to approved or rejected exactly once and are never deleted, so ids
// stay meaningful for the lifetime of the process.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/observability"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one queued tool call awaiting a verdict. Payload is the
// sanitised call and must not be mutated after submission.
type Request struct {
	ID         int64          `json:"id"`
	Payload    map[string]any `json:"payload"`
	Status     Status         `json:"status"`
	Risk       string         `json:"risk"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Reason     string         `json:"reason,omitempty"`

	done chan struct{}
}

func (r *Request) copy() *Request {
	c := *r
	c.done = nil
	return &c
}

// Queue assigns monotone ids and tracks every request it has ever
// accepted. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	nextID    int64
	items     map[int64]*Request
	order     []int64
	threshold int
	metrics   observability.Metrics

	// Notify fires outside the lock after a request is created or
	// reaches a terminal state. Event is "created", "approved" or
	// "rejected". Optional.
	Notify func(event string, req *Request)

	// DepthAlert fires after an enqueue pushes the pending count to
	// the configured threshold or beyond. Optional.
	DepthAlert func(pending, threshold int)
}

// NewQueue builds an empty queue. threshold <= 0 disables depth alerts.
func NewQueue(threshold int, metrics observability.Metrics) *Queue {
	return &Queue{
		items:     make(map[int64]*Request),
		threshold: threshold,
		metrics:   metrics,
	}
}

// SetThreshold swaps the depth-alert threshold; <= 0 disables it.
func (q *Queue) SetThreshold(threshold int) {
	q.mu.Lock()
	q.threshold = threshold
	q.mu.Unlock()
}

// Threshold reports the current depth-alert threshold.
func (q *Queue) Threshold() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.threshold
}

// Submit enqueues a sanitised payload and returns the stored request.
func (q *Queue) Submit(payload map[string]any, risk string) *Request {
	q.mu.Lock()
	q.nextID++
	req := &Request{
		ID:         q.nextID,
		Payload:    payload,
		Status:     StatusPending,
		Risk:       risk,
		EnqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	q.items[req.ID] = req
	q.order = append(q.order, req.ID)
	pending := q.pendingLocked()
	threshold := q.threshold
	q.mu.Unlock()

	q.recordPending(pending)
	if q.Notify != nil {
		q.Notify("created", req.copy())
	}
	if q.DepthAlert != nil && threshold > 0 && pending >= threshold {
		q.DepthAlert(pending, threshold)
	}
	return req.copy()
}

// Get returns a snapshot of one request.
func (q *Queue) Get(id int64) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return req.copy(), true
}

// List returns requests in submission order. status filters when
// non-empty.
func (q *Queue) List(status Status) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Request, 0, len(q.order))
	for _, id := range q.order {
		req := q.items[id]
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req.copy())
	}
	return out
}

// Pending returns the number of unresolved requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, req := range q.items {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

// Approve resolves a pending request. Unknown ids return false.
// Requests already in a terminal state are returned unchanged.
func (q *Queue) Approve(id int64) (*Request, bool) {
	return q.resolve(id, StatusApproved, "")
}

// Reject resolves a pending request. Unknown ids return false.
// Requests already in a terminal state are returned unchanged.
func (q *Queue) Reject(id int64) (*Request, bool) {
	return q.resolve(id, StatusRejected, "")
}

func (q *Queue) resolve(id int64, status Status, reason string) (*Request, bool) {
	q.mu.Lock()
	req, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	if req.Status != StatusPending {
		snap := req.copy()
		q.mu.Unlock()
		return snap, true
	}

	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	req.Reason = reason
	close(req.done)
	snap := req.copy()
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.recordPending(pending)
	if q.Notify != nil {
		q.Notify(string(status), snap)
	}
	return snap, true
}

// ExpirePending rejects every pending request older than timeout in a
// single pass and returns the expired ids in submission order.
func (q *Queue) ExpirePending(timeout time.Duration) []int64 {
	if timeout <= 0 {
		return nil
	}

	q.mu.Lock()
	now := time.Now()
	var expired []*Request
	for _, id := range q.order {
		req := q.items[id]
		if req.Status != StatusPending || now.Sub(req.EnqueuedAt) < timeout {
			continue
		}
		req.Status = StatusRejected
		resolved := now
		req.ResolvedAt = &resolved
		req.Reason = "timeout"
		close(req.done)
		expired = append(expired, req.copy())
	}
	pending := q.pendingLocked()
	q.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	q.recordPending(pending)
	ids := make([]int64, 0, len(expired))
	for _, req := range expired {
		ids = append(ids, req.ID)
		if q.Notify != nil {
			q.Notify(string(StatusRejected), req)
		}
	}
	return ids
}

// Await blocks until the request reaches a terminal state, the timeout
// elapses, or ctx is cancelled, and returns the status at that moment.
// A timeout leaves the request pending for the reaper.
func (q *Queue) Await(ctx context.Context, id int64, timeout time.Duration) Status {
	q.mu.Lock()
	req, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return StatusRejected
	}
	done := req.done
	status := req.Status
	q.mu.Unlock()

	if status != StatusPending {
		return status
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[id].Status
}

func (q *Queue) recordPending(pending int) {
	if q.metrics != nil {
		q.metrics.RecordApprovalsPending(context.Background(), int64(pending))
	}
}
