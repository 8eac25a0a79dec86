package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intelliclaw/gateway/pkg/chat"
	"github.com/intelliclaw/gateway/pkg/session"
)

// handleChatComplete serves both modes: synchronous JSON and, with
// ?stream=true, the SSE event stream. The content policy inspects
// user text before any provider sees it.
func (s *Server) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := readJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if s.deps.Engine == nil {
		writeDetail(w, http.StatusServiceUnavailable, "no chat providers configured")
		return
	}

	if s.deps.Policy != nil {
		for _, msg := range req.Messages {
			if msg.Role != "user" {
				continue
			}
			if match, hit := s.deps.Policy.InspectText(msg.Content); hit {
				writePolicyViolation(w, match)
				return
			}
		}
	}

	if r.URL.Query().Get("stream") == "true" {
		s.streamChat(w, r, req)
		return
	}

	resp, err := s.deps.Engine.Complete(r.Context(), req)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chat.Request) {
	stream, ok := newSSEStream(w)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := s.deps.Engine.Stream(r.Context(), req)
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-events:
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

func (s *Server) handleChatCompact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Provider  string `json:"provider,omitempty"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.deps.Compactor == nil {
		writeDetail(w, http.StatusServiceUnavailable, "no chat providers configured")
		return
	}

	res, err := s.deps.Compactor.Compact(r.Context(), body.SessionID, body.Provider)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "session not found")
			return
		}
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Compactor == nil {
		writeDetail(w, http.StatusServiceUnavailable, "no chat providers configured")
		return
	}
	if id := r.URL.Query().Get("session_id"); id != "" {
		usage, err := s.deps.Compactor.Usage(r.Context(), id)
		if err != nil {
			writeDetail(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, usage)
		return
	}
	all, err := s.deps.Compactor.UsageAll(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": all})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "session not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "session not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, "session.deleted", map[string]any{"session_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
