package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Memory.Agents()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleMemoryAll(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	all, err := s.deps.Memory.All(agent)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "memory": all})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	key := chi.URLParam(r, "key")
	value, ok, err := s.deps.Memory.Get(agent, key)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "key": key, "value": value})
}

// handleMemorySet stores one value. The audit entry names the key but
// never the value; memory contents may be private.
func (s *Server) handleMemorySet(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	key := chi.URLParam(r, "key")
	var body struct {
		Value      any   `json:"value"`
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Memory.Set(agent, key, body.Value, body.TTLSeconds); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "memory.set", map[string]any{
		"agent":       agent,
		"key":         key,
		"ttl_seconds": body.TTLSeconds,
	})
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "key": key, "stored": true})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	key := chi.URLParam(r, "key")
	deleted, err := s.deps.Memory.Delete(agent, key)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !deleted {
		writeDetail(w, http.StatusNotFound, "key not found")
		return
	}
	s.record(r, "memory.deleted", map[string]any{"agent": agent, "key": key})
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "key": key, "deleted": true})
}

func (s *Server) handleMemoryExport(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Memory.Export()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleMemoryImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data    map[string]map[string]any `json:"data"`
		Replace bool                      `json:"replace"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Memory.Import(body.Data, body.Replace); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "memory.imported", map[string]any{
		"agents":  len(body.Data),
		"replace": body.Replace,
	})
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(body.Data)})
}

// handleKnowledgeIngest accepts either a file path on the gateway host
// or inline text with a source label.
func (s *Server) handleKnowledgeIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Knowledge == nil {
		writeDetail(w, http.StatusServiceUnavailable, "knowledge pipeline disabled")
		return
	}
	var body struct {
		Path   string `json:"path"`
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case body.Path != "":
		res, err := s.deps.Knowledge.IngestFile(r.Context(), body.Path)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		s.record(r, "knowledge.ingested", map[string]any{"source": res.Source, "chunks": res.Chunks})
		writeJSON(w, http.StatusOK, res)
	case body.Text != "":
		if body.Source == "" {
			writeDetail(w, http.StatusBadRequest, "source is required with inline text")
			return
		}
		res, err := s.deps.Knowledge.IngestText(r.Context(), body.Source, body.Text)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		s.record(r, "knowledge.ingested", map[string]any{"source": res.Source, "chunks": res.Chunks})
		writeJSON(w, http.StatusOK, res)
	default:
		writeDetail(w, http.StatusBadRequest, "path or text is required")
	}
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Knowledge == nil {
		writeDetail(w, http.StatusServiceUnavailable, "knowledge pipeline disabled")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeDetail(w, http.StatusBadRequest, "q is required")
		return
	}
	topK := 5
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusBadRequest, "invalid top_k "+strconv.Quote(raw))
			return
		}
		topK = n
	}
	results, err := s.deps.Knowledge.Search(r.Context(), query, topK)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}
