package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intelliclaw/gateway/pkg/audit"
)

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Audit.Export(filter)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"count":     len(entries),
		"encrypted": s.deps.Audit.Encrypted(),
	})
}

func (s *Server) handleAuditExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
	if err := s.deps.Audit.ExportCSV(w, filter); err != nil {
		// Headers are out by now; the truncated download is the signal.
		slog.Error("Audit CSV export failed", "error", err)
	}
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Actor: q.Get("actor"),
		Event: q.Get("event"),
	}
	if raw := q.Get("tail"); raw != "" {
		tail, err := strconv.Atoi(raw)
		if err != nil || tail < 0 {
			return filter, fmt.Errorf("invalid tail %q", raw)
		}
		filter.Tail = tail
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp %q", raw)
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid until timestamp %q", raw)
		}
		filter.Until = ts
	}
	return filter, nil
}

func (s *Server) handleConsentTimeline(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "invalid tail "+strconv.Quote(raw))
			return
		}
		tail = n
	}
	entries, err := s.deps.Consent.Timeline(tail)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleConsentExport is the GDPR access path: every consent entry a
// single actor produced. The access itself is audited.
func (s *Server) handleConsentExport(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	entries, err := s.deps.Consent.Export(actor)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, "consent.exported", map[string]any{"subject": actor, "entries": len(entries)})
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":   actor,
		"entries": entries,
		"count":   len(entries),
	})
}

// handleConsentErase is the GDPR erasure path: rewrite the timeline
// without the actor's entries and report how many were dropped.
func (s *Server) handleConsentErase(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	removed, err := s.deps.Consent.Erase(actor)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, "consent.erased", map[string]any{"subject": actor, "removed": removed})
	writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "removed": removed})
}
