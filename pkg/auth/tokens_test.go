package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenStore(t *testing.T) (*TokenStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revoked_tokens.json")
	s, err := NewTokenStore(path, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return s, path
}

func TestIssueAndLookup(t *testing.T) {
	s, _ := newTokenStore(t)

	pair, err := s.Issue("alice", []string{"admin"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	// 24 random bytes URL-encode to 32 chars, 36 to 48.
	assert.Len(t, pair.AccessToken, 32)
	assert.Len(t, pair.RefreshToken, 48)

	username, roles, ok := s.Lookup(pair.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
	assert.Equal(t, []string{"admin"}, roles)

	_, _, ok = s.Lookup("not-a-token")
	assert.False(t, ok)
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revoked_tokens.json")
	s, err := NewTokenStore(path, -time.Second, time.Hour)
	require.NoError(t, err)

	pair, err := s.Issue("alice", nil)
	require.NoError(t, err)

	_, _, ok := s.Lookup(pair.AccessToken)
	assert.False(t, ok, "already past its expiry")
}

func TestRefresh(t *testing.T) {
	s, _ := newTokenStore(t)
	pair, err := s.Issue("alice", []string{"admin"})
	require.NoError(t, err)

	fresh, err := s.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.AccessToken)
	assert.NotEqual(t, pair.AccessToken, fresh.AccessToken)

	username, roles, ok := s.Lookup(fresh.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
	assert.Equal(t, []string{"admin"}, roles)

	_, err = s.Refresh("bogus")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = s.Refresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid, "access tokens cannot refresh")
}

func TestRevokePersists(t *testing.T) {
	s, path := newTokenStore(t)
	pair, err := s.Issue("alice", nil)
	require.NoError(t, err)

	s.Revoke(pair.AccessToken)
	_, _, ok := s.Lookup(pair.AccessToken)
	assert.False(t, ok)

	// The hash, not the token, lands on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), pair.AccessToken)
	assert.Contains(t, string(data), tokenHash(pair.AccessToken))

	// Revocation survives a restart even though tokens do not.
	reloaded, err := NewTokenStore(path, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	_, _, ok = reloaded.Lookup(pair.AccessToken)
	assert.False(t, ok)
}

func TestRevokedRefreshTokenCannotRefresh(t *testing.T) {
	s, _ := newTokenStore(t)
	pair, err := s.Issue("alice", nil)
	require.NoError(t, err)

	s.Revoke(pair.RefreshToken)
	_, err = s.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestStaleRevocationsPruneLazily(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revoked_tokens.json")
	stale := map[string]int64{
		tokenHash("old-token"): time.Now().Add(-time.Hour).Unix(),
		tokenHash("live-ban"):  time.Now().Add(time.Hour).Unix(),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	s, err := NewTokenStore(path, time.Hour, 24*time.Hour)
	require.NoError(t, err)

	// Any lookup sweeps the expired entry and rewrites the file.
	s.Lookup("whatever")

	var after map[string]int64
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &after))
	assert.NotContains(t, after, tokenHash("old-token"))
	assert.Contains(t, after, tokenHash("live-ban"))
}

func TestIssueAccessWithExplicitTTL(t *testing.T) {
	s, _ := newTokenStore(t)
	token, err := s.IssueAccess("admin", []string{"admin"}, 90*24*time.Hour)
	require.NoError(t, err)

	username, roles, ok := s.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, "admin", username)
	assert.Equal(t, []string{"admin"}, roles)
}
