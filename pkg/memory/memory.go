// Package memory gives each agent a small persistent key/value store.
//
// One JSON file per agent under the memory dir. Values may carry a TTL
// via the wrap shape {__v, __exp}; reads compute the live view and
// rewrite the file when expired entries are found.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const (
	wrapValueKey  = "__v"
	wrapExpiryKey = "__exp"
)

// Store owns every agent memory file under one mutex.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates the memory dir if needed.
func NewStore(cfg config.MemoryConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}
	return &Store{dir: cfg.Dir}, nil
}

// pathFor validates the agent id and confirms the resolved file stays
// under the memory dir.
func (s *Store) pathFor(agent string) (string, error) {
	if !agentIDPattern.MatchString(agent) {
		return "", fmt.Errorf("invalid agent id %q", agent)
	}
	resolved, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve memory dir: %w", err)
	}
	path := filepath.Join(resolved, agent+".json")
	if !strings.HasPrefix(path, resolved+string(os.PathSeparator)) {
		return "", fmt.Errorf("agent path escapes memory dir")
	}
	return path, nil
}

// Agents lists every agent with a memory file, sorted.
func (s *Store) Agents() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentsLocked()
}

func (s *Store) agentsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory dir: %w", err)
	}
	var agents []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if agentIDPattern.MatchString(id) {
			agents = append(agents, id)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// All returns the live view for one agent with TTL wraps unwrapped.
// Finding expired entries triggers a rewrite without them.
func (s *Store) All(agent string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(agent)
	if err != nil {
		return nil, err
	}
	raw, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	live := make(map[string]any, len(raw))
	dropped := 0
	for key, stored := range raw {
		value, expired := unwrap(stored, now)
		if expired {
			delete(raw, key)
			dropped++
			continue
		}
		live[key] = value
	}
	if dropped > 0 {
		if err := saveFile(path, raw); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// Get returns one live value.
func (s *Store) Get(agent, key string) (any, bool, error) {
	live, err := s.All(agent)
	if err != nil {
		return nil, false, err
	}
	value, ok := live[key]
	return value, ok, nil
}

// Set stores a value, wrapping it with an expiry when ttlSeconds > 0.
func (s *Store) Set(agent, key string, value any, ttlSeconds int64) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(agent)
	if err != nil {
		return err
	}
	raw, err := loadFile(path)
	if err != nil {
		return err
	}
	if ttlSeconds > 0 {
		raw[key] = map[string]any{
			wrapValueKey:  value,
			wrapExpiryKey: time.Now().Unix() + ttlSeconds,
		}
	} else {
		raw[key] = value
	}
	return saveFile(path, raw)
}

// Delete removes one key, reporting whether it existed.
func (s *Store) Delete(agent, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(agent)
	if err != nil {
		return false, err
	}
	raw, err := loadFile(path)
	if err != nil {
		return false, err
	}
	if _, ok := raw[key]; !ok {
		return false, nil
	}
	delete(raw, key)
	return true, saveFile(path, raw)
}

// Prune drops expired entries and returns how many were removed.
func (s *Store) Prune(agent string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(agent)
	if err != nil {
		return 0, err
	}
	raw, err := loadFile(path)
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	dropped := 0
	for key, stored := range raw {
		if _, expired := unwrap(stored, now); expired {
			delete(raw, key)
			dropped++
		}
	}
	if dropped > 0 {
		if err := saveFile(path, raw); err != nil {
			return 0, err
		}
	}
	return dropped, nil
}

// Export snapshots every agent's live entries with TTL wraps intact, so
// a later import preserves expiries.
func (s *Store) Export() (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents, err := s.agentsLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	out := make(map[string]map[string]any, len(agents))
	for _, agent := range agents {
		path, err := s.pathFor(agent)
		if err != nil {
			return nil, err
		}
		raw, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		live := make(map[string]any, len(raw))
		for key, stored := range raw {
			if _, expired := unwrap(stored, now); !expired {
				live[key] = stored
			}
		}
		out[agent] = live
	}
	return out, nil
}

// Import loads entries per agent. Replace mode overwrites each agent's
// file; merge mode folds keys into what is already there.
func (s *Store) Import(data map[string]map[string]any, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for agent, entries := range data {
		path, err := s.pathFor(agent)
		if err != nil {
			return err
		}
		target := entries
		if !replace {
			existing, err := loadFile(path)
			if err != nil {
				return err
			}
			for key, value := range entries {
				existing[key] = value
			}
			target = existing
		}
		if target == nil {
			target = map[string]any{}
		}
		if err := saveFile(path, target); err != nil {
			return err
		}
	}
	return nil
}

// unwrap returns the live value behind a TTL wrap, or expired=true when
// the wrap's deadline has passed. Non-wrap values pass through.
func unwrap(stored any, now int64) (any, bool) {
	wrap, ok := stored.(map[string]any)
	if !ok {
		return stored, false
	}
	value, hasValue := wrap[wrapValueKey]
	expRaw, hasExpiry := wrap[wrapExpiryKey]
	if !hasValue || !hasExpiry {
		return stored, false
	}
	exp, ok := asEpoch(expRaw)
	if !ok {
		return stored, false
	}
	if now >= exp {
		return nil, true
	}
	return value, false
}

func asEpoch(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent memory: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse agent memory %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func saveFile(path string, raw map[string]any) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent memory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write agent memory: %w", err)
	}
	return nil
}
