package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": s.deps.Webhooks.List()})
}

// handleWebhookRegister stores a subscription. The response and the
// audit entry carry the public view only; the secret stays private.
func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.deps.Webhooks.Register(body.URL, body.Events, body.Secret)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, "webhook.registered", map[string]any{
		"webhook_id": view.ID,
		"url":        view.URL,
		"events":     view.Events,
	})
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.deps.Webhooks.Get(chi.URLParam(r, "id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Webhooks.Delete(id); err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	s.record(r, "webhook.deleted", map[string]any{"webhook_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Webhooks.Get(id); !ok {
		writeDetail(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": s.deps.Webhooks.Deliveries(id)})
}
