package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/intelliclaw/gateway/pkg/observability"
)

// ClientKey extracts the caller identity for the per-client window:
// the left-most X-Forwarded-For entry when present, else the remote
// address without its port.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces both windows on every request. username reads
// the authenticated user from the request context; it may return ""
// for anonymous requests, which skips the user window.
func (l *Limiter) Middleware(username func(r *http.Request) string, metrics observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := l.Allow(ScopeClient, ClientKey(r)); !d.Allowed {
				if metrics != nil {
					metrics.RecordRateLimited(r.Context(), string(ScopeClient))
				}
				writeLimited(w, d)
				return
			}
			if user := username(r); user != "" {
				if d := l.Allow(ScopeUser, user); !d.Allowed {
					if metrics != nil {
						metrics.RecordRateLimited(r.Context(), string(ScopeUser))
					}
					writeLimited(w, d)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter, d Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":               "rate_limit_exceeded",
		"limit":               d.Limit,
		"window_seconds":      d.WindowSeconds,
		"retry_after_seconds": d.RetryAfter,
	})
}
