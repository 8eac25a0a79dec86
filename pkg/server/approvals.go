package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intelliclaw/gateway/pkg/approval"
)

// approvalEvent is one SSE frame on /approvals/stream.
type approvalEvent struct {
	Event   string            `json:"event"`
	Request *approval.Request `json:"request"`
}

// broadcaster fans approval lifecycle events out to every connected
// stream. Slow subscribers drop frames rather than block the queue.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan approvalEvent]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan approvalEvent]struct{})}
}

func (b *broadcaster) subscribe() chan approvalEvent {
	ch := make(chan approvalEvent, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(ch chan approvalEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broadcaster) publish(ev approvalEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (s *Server) approvalRoutes(r chi.Router) {
	r.Get("/", s.handleApprovalList)
	r.Get("/stream", s.handleApprovalStream)
	r.Get("/{id}", s.handleApprovalGet)
	r.Post("/{id}/approve", s.handleApprovalApprove)
	r.Post("/{id}/reject", s.handleApprovalReject)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": s.deps.Queue.List(status),
		"pending":   s.deps.Queue.Pending(),
	})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	id, ok := approvalID(w, r)
	if !ok {
		return
	}
	req, ok := s.deps.Queue.Get(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := approvalID(w, r)
	if !ok {
		return
	}
	req, ok := s.deps.Queue.Approve(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "approval not found")
		return
	}
	s.record(r, "approval.approved", map[string]any{
		"approval_id": id,
		"tool":        req.Payload["tool"],
	})
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	id, ok := approvalID(w, r)
	if !ok {
		return
	}
	req, ok := s.deps.Queue.Reject(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "approval not found")
		return
	}
	s.record(r, "approval.rejected", map[string]any{
		"approval_id": id,
		"tool":        req.Payload["tool"],
	})
	writeJSON(w, http.StatusOK, req)
}

// handleApprovalStream sends the pending snapshot, then lifecycle
// events as they happen, with keepalive comments in between.
func (s *Server) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	stream, ok := newSSEStream(w)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot so nothing falls in the gap; a
	// request may then appear both in the snapshot and as an event.
	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	stream.event(map[string]any{
		"event":   "snapshot",
		"pending": s.deps.Queue.List(approval.StatusPending),
	})

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			stream.event(ev)
		case <-ticker.C:
			stream.keepalive()
		case <-r.Context().Done():
			return
		}
	}
}

func approvalID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid approval id")
		return 0, false
	}
	return id, true
}
