package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepaliveInterval paces the comment lines that hold idle SSE
// connections open through proxies.
const keepaliveInterval = 10 * time.Second

// sseStream writes newline-delimited data: frames, flushing after
// every write so events reach the client as they happen.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) event(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"event marshal failed","done":true}`)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseStream) keepalive() {
	fmt.Fprint(s.w, ": keepalive\n\n")
	s.flusher.Flush()
}
