package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

const bootstrapTokenTTL = 90 * 24 * time.Hour

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	Username     string   `json:"username"`
	Roles        []string `json:"roles"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// HasRole reports whether the identity carries a role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToolPermitted checks the per-user tool allow-list; nil permits all.
func (id *Identity) ToolPermitted(tool string) bool {
	if id.AllowedTools == nil {
		return true
	}
	for _, t := range id.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Service is the gateway's authentication facade: local users, opaque
// tokens, and optionally an external JWT validator.
type Service struct {
	cfg    config.AuthConfig
	users  *UserStore
	tokens *TokenStore
	jwt    *JWTValidator
}

// NewService builds the user and token stores and, when configured,
// the JWKS validator.
func NewService(cfg config.AuthConfig) (*Service, error) {
	users, err := NewUserStore(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenStore(
		cfg.RevocationFile,
		time.Duration(cfg.AccessTokenTTLSeconds)*time.Second,
		time.Duration(cfg.RefreshTokenTTLSeconds)*time.Second,
	)
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, users: users, tokens: tokens}
	if cfg.JWT.IsEnabled() {
		validator, err := NewJWTValidator(cfg.JWT.JWKSURL, cfg.JWT.Issuer, cfg.JWT.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWT validator: %w", err)
		}
		s.jwt = validator
	}
	return s, nil
}

// Enabled reports whether requests must authenticate.
func (s *Service) Enabled() bool {
	return s.cfg.IsEnabled()
}

// Users exposes the account store for the admin API.
func (s *Service) Users() *UserStore {
	return s.users
}

// NeedsSetup is true until the first account exists.
func (s *Service) NeedsSetup() bool {
	return s.users.Count() == 0
}

// Setup creates the initial admin account. Fails once any user exists.
func (s *Service) Setup(username, password string) (*User, error) {
	if !s.NeedsSetup() {
		return nil, ErrSetupComplete
	}
	return s.users.Create(username, password, []string{"admin"})
}

// Login verifies credentials and mints a token pair.
func (s *Service) Login(username, password string) (*TokenPair, error) {
	u, err := s.users.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	return s.tokens.Issue(u.Username, u.Roles)
}

// Refresh exchanges a refresh token for a fresh access token.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	return s.tokens.Refresh(refreshToken)
}

// Revoke invalidates a token immediately.
func (s *Service) Revoke(token string) {
	s.tokens.Revoke(token)
}

// Bootstrap mints a long-lived admin token when the caller presents
// the one-time secret from the environment. The comparison is
// constant-time; an unset secret disables the mechanism entirely.
func (s *Service) Bootstrap(secret string) (string, error) {
	expected := strings.TrimSpace(os.Getenv(config.EnvBootstrapSecret))
	if expected == "" {
		return "", ErrBootstrapDisabled
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return s.tokens.IssueAccess("admin", []string{"admin"}, bootstrapTokenTTL)
}

// Authenticate resolves a bearer token to an identity. Opaque tokens
// are tried first, the JWT validator second when configured.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if username, roles, ok := s.tokens.Lookup(token); ok {
		id := &Identity{Username: username, Roles: roles}
		if u, found := s.users.Get(username); found {
			id.Roles = u.Roles
			id.AllowedTools = u.AllowedTools
		}
		return id, nil
	}

	if s.jwt != nil {
		claims, err := s.jwt.ValidateToken(ctx, token)
		if err == nil {
			username := claims.Subject
			if claims.Email != "" {
				username = claims.Email
			}
			id := &Identity{Username: username}
			if claims.Role != "" {
				id.Roles = []string{claims.Role}
			}
			return id, nil
		}
	}

	return nil, ErrTokenInvalid
}
