package llms

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

// KeyMetadata tracks the lifecycle of one provider's key. Timestamps
// are RFC3339; empty expires_at means the key never expires.
type KeyMetadata struct {
	SetAt       string `json:"set_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	LastRotated string `json:"last_rotated,omitempty"`
}

// KeyStatus is the public TTL view of one provider's key. The key value
// itself never leaves the store.
type KeyStatus struct {
	Provider    string `json:"provider"`
	Configured  bool   `json:"configured"`
	Source      string `json:"source,omitempty"`
	SetAt       string `json:"set_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	LastRotated string `json:"last_rotated,omitempty"`
	Expired     bool   `json:"expired"`
}

// KeyStore resolves provider API keys: environment first, JSON file
// fallback. Admin writes land in the file; env keys are read-only.
type KeyStore struct {
	mu  sync.Mutex
	cfg config.KeysConfig
	now func() time.Time
}

func NewKeyStore(cfg config.KeysConfig) *KeyStore {
	return &KeyStore{cfg: cfg, now: time.Now}
}

// EnvVarForProvider derives the conventional env var name, e.g.
// openai -> OPENAI_API_KEY.
func EnvVarForProvider(provider string) string {
	upper := strings.ToUpper(provider)
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return mapped + "_API_KEY"
}

// Resolve returns the key and where it came from ("env", "file", or ""
// when unconfigured).
func (s *KeyStore) Resolve(provider string) (string, string) {
	if key := strings.TrimSpace(os.Getenv(EnvVarForProvider(provider))); key != "" {
		return key, "env"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return "", ""
	}
	if key := keys[provider]; key != "" {
		return key, "file"
	}
	return "", ""
}

// Set stores a key in the file store and stamps fresh metadata.
// ttlDays > 0 sets expires_at; 0 means no expiry; negative applies the
// configured default TTL.
func (s *KeyStore) Set(provider, key string, ttlDays int) error {
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeKey(provider, key); err != nil {
		return err
	}

	meta, err := s.loadMetadata()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	meta[provider] = KeyMetadata{
		SetAt:     now.Format(time.RFC3339),
		ExpiresAt: s.expiryFor(now, ttlDays),
	}
	return s.saveMetadata(meta)
}

// Rotate replaces the key, keeping the original set_at and stamping
// last_rotated. Expiry restarts from the rotation time.
func (s *KeyStore) Rotate(provider, key string, ttlDays int) error {
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeKey(provider, key); err != nil {
		return err
	}

	meta, err := s.loadMetadata()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	entry := meta[provider]
	if entry.SetAt == "" {
		entry.SetAt = now.Format(time.RFC3339)
	}
	entry.LastRotated = now.Format(time.RFC3339)
	entry.ExpiresAt = s.expiryFor(now, ttlDays)
	meta[provider] = entry
	return s.saveMetadata(meta)
}

// Status reports whether a key is configured, from where, and its TTL
// state. Metadata applies to file keys; an env key reports configured
// with no expiry tracking.
func (s *KeyStore) Status(provider string) KeyStatus {
	key, source := s.Resolve(provider)
	status := KeyStatus{
		Provider:   provider,
		Configured: key != "",
		Source:     source,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata()
	if err != nil {
		return status
	}
	entry, ok := meta[provider]
	if !ok {
		return status
	}
	status.SetAt = entry.SetAt
	status.ExpiresAt = entry.ExpiresAt
	status.LastRotated = entry.LastRotated
	if entry.ExpiresAt != "" {
		if expires, err := time.Parse(time.RFC3339, entry.ExpiresAt); err == nil {
			status.Expired = s.now().After(expires)
		}
	}
	return status
}

// Statuses reports every named provider, sorted by the caller.
func (s *KeyStore) Statuses(providers []string) []KeyStatus {
	out := make([]KeyStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, s.Status(p))
	}
	return out
}

func (s *KeyStore) expiryFor(now time.Time, ttlDays int) string {
	if ttlDays < 0 {
		ttlDays = s.cfg.DefaultTTLDays
	}
	if ttlDays == 0 {
		return ""
	}
	return now.Add(time.Duration(ttlDays) * 24 * time.Hour).Format(time.RFC3339)
}

func (s *KeyStore) writeKey(provider, key string) error {
	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	keys[provider] = key

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key store: %w", err)
	}
	if err := os.WriteFile(s.cfg.File, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	return nil
}

func (s *KeyStore) loadKeys() (map[string]string, error) {
	keys := make(map[string]string)
	data, err := os.ReadFile(s.cfg.File)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse key store: %w", err)
	}
	return keys, nil
}

func (s *KeyStore) loadMetadata() (map[string]KeyMetadata, error) {
	meta := make(map[string]KeyMetadata)
	data, err := os.ReadFile(s.cfg.MetadataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return nil, fmt.Errorf("failed to read key metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse key metadata: %w", err)
	}
	return meta, nil
}

func (s *KeyStore) saveMetadata(meta map[string]KeyMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key metadata: %w", err)
	}
	if err := os.WriteFile(s.cfg.MetadataFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write key metadata: %w", err)
	}
	return nil
}
