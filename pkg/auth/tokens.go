package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	accessTokenBytes  = 24
	refreshTokenBytes = 36
)

// TokenPair is what a successful login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenEntry struct {
	username string
	roles    []string
	expires  int64 // epoch seconds
}

// TokenStore keeps opaque tokens in memory and the revocation set on
// disk. Tokens do not survive a restart; revocations do.
type TokenStore struct {
	mu             sync.Mutex
	access         map[string]tokenEntry
	refresh        map[string]tokenEntry
	revoked        map[string]int64 // sha256-hex -> expiry epoch
	revocationPath string
	accessTTL      time.Duration
	refreshTTL     time.Duration
}

// NewTokenStore loads the revocation file, tolerating a missing one.
func NewTokenStore(revocationPath string, accessTTL, refreshTTL time.Duration) (*TokenStore, error) {
	s := &TokenStore{
		access:         make(map[string]tokenEntry),
		refresh:        make(map[string]tokenEntry),
		revoked:        make(map[string]int64),
		revocationPath: revocationPath,
		accessTTL:      accessTTL,
		refreshTTL:     refreshTTL,
	}
	data, err := os.ReadFile(revocationPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read revocation file: %w", err)
	}
	if err := json.Unmarshal(data, &s.revoked); err != nil {
		return nil, fmt.Errorf("failed to parse revocation file: %w", err)
	}
	return s, nil
}

// Issue mints an access/refresh pair for a user.
func (s *TokenStore) Issue(username string, roles []string) (*TokenPair, error) {
	access, err := randomToken(accessTokenBytes)
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.access[access] = tokenEntry{username: username, roles: roles, expires: now.Add(s.accessTTL).Unix()}
	s.refresh[refresh] = tokenEntry{username: username, roles: roles, expires: now.Add(s.refreshTTL).Unix()}
	s.mu.Unlock()

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

// IssueAccess mints a standalone access token with an explicit TTL,
// used by the bootstrap endpoint for its long-lived admin token.
func (s *TokenStore) IssueAccess(username string, roles []string, ttl time.Duration) (string, error) {
	token, err := randomToken(accessTokenBytes)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.access[token] = tokenEntry{username: username, roles: roles, expires: time.Now().Add(ttl).Unix()}
	s.mu.Unlock()
	return token, nil
}

// Lookup resolves an access token. The revocation set is consulted
// first; expired revocation entries are pruned on the way.
func (s *TokenStore) Lookup(token string) (username string, roles []string, ok bool) {
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pruneRevokedLocked(now) {
		s.persistRevokedLocked()
	}
	if _, revoked := s.revoked[tokenHash(token)]; revoked {
		return "", nil, false
	}

	entry, found := s.access[token]
	if !found {
		return "", nil, false
	}
	if entry.expires < now {
		delete(s.access, token)
		return "", nil, false
	}
	return entry.username, entry.roles, true
}

// Refresh mints a new access token against a valid refresh token.
func (s *TokenStore) Refresh(refreshToken string) (*TokenPair, error) {
	now := time.Now().Unix()

	s.mu.Lock()
	if s.pruneRevokedLocked(now) {
		s.persistRevokedLocked()
	}
	if _, revoked := s.revoked[tokenHash(refreshToken)]; revoked {
		s.mu.Unlock()
		return nil, ErrTokenInvalid
	}
	entry, found := s.refresh[refreshToken]
	if found && entry.expires < now {
		delete(s.refresh, refreshToken)
		found = false
	}
	s.mu.Unlock()

	if !found {
		return nil, ErrTokenInvalid
	}

	access, err := randomToken(accessTokenBytes)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.access[access] = tokenEntry{username: entry.username, roles: entry.roles, expires: time.Now().Add(s.accessTTL).Unix()}
	s.mu.Unlock()

	return &TokenPair{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.accessTTL / time.Second),
	}, nil
}

// Revoke invalidates a token (access or refresh) immediately and
// records its hash until the token would have expired anyway.
func (s *TokenStore) Revoke(token string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := now.Add(s.refreshTTL).Unix()
	if entry, ok := s.access[token]; ok {
		expiry = entry.expires
		delete(s.access, token)
	} else if entry, ok := s.refresh[token]; ok {
		expiry = entry.expires
		delete(s.refresh, token)
	}

	s.revoked[tokenHash(token)] = expiry
	s.persistRevokedLocked()
}

func (s *TokenStore) pruneRevokedLocked(now int64) bool {
	changed := false
	for hash, expiry := range s.revoked {
		if expiry < now {
			delete(s.revoked, hash)
			changed = true
		}
	}
	return changed
}

func (s *TokenStore) persistRevokedLocked() {
	data, err := json.MarshalIndent(s.revoked, "", "  ")
	if err == nil {
		err = os.WriteFile(s.revocationPath, data, 0600)
	}
	if err != nil {
		slog.Error("Failed to persist revocation set", "error", err)
	}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
