package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/intelliclaw/gateway/pkg/auth"
)

// handleLogin exchanges credentials for a token pair. Login stays open
// even with auth disabled so a deployment can flip auth on without
// first locking every client out.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Username == "" || body.Password == "" {
		writeDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	pair, err := s.deps.Auth.Login(body.Username, body.Password)
	if err != nil {
		// One answer for bad user and bad password.
		writeDetail(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RefreshToken == "" {
		writeDetail(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.deps.Auth.Refresh(body.RefreshToken)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, auth.ErrTokenInvalid.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presented bearer token. Parses the header
// itself because the route sits outside the auth group.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		writeDetail(w, http.StatusBadRequest, "bearer token required")
		return
	}
	s.deps.Auth.Revoke(token)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleBootstrap mints a long-lived admin token against the one-time
// environment secret, for embedding shells that cannot run the setup
// flow interactively.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := readJSON(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.deps.Auth.Bootstrap(body.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrBootstrapDisabled) {
			writeDetail(w, http.StatusForbidden, err.Error())
			return
		}
		writeDetail(w, http.StatusForbidden, "invalid bootstrap secret")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// handleWhoAmI reports the caller's identity, or the anonymous shape
// when auth is disabled.
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		writeJSON(w, http.StatusOK, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":     "anonymous",
		"roles":        []string{},
		"auth_enabled": s.deps.Auth.Enabled(),
	})
}
