package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Middleware authenticates every request with a bearer token and
// stores the identity in the request context. When auth is disabled
// requests pass through anonymously.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			writeAuthError(w, http.StatusUnauthorized, "invalid Authorization format, expected: Bearer <token>")
			return
		}

		identity, err := s.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole guards a route group. Unauthenticated deployments
// (auth disabled) skip the check.
func (s *Service) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !identity.HasRole(role) {
				writeAuthError(w, http.StatusForbidden, "requires role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

// UsernameFromRequest is the audit/ratelimit view of the caller:
// empty string when anonymous.
func UsernameFromRequest(r *http.Request) string {
	if id := IdentityFromContext(r.Context()); id != nil {
		return id.Username
	}
	return ""
}

// ActorFromRequest is like UsernameFromRequest but never empty, for
// audit entries on deployments with auth disabled.
func ActorFromRequest(r *http.Request) string {
	if name := UsernameFromRequest(r); name != "" {
		return name
	}
	return "anonymous"
}

func writeAuthError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
