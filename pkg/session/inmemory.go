package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in a map. Sessions are copied on the way
// in and out so callers never alias store state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, id, agent string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, ErrExists
	}

	now := time.Now().UTC()
	s.sessions[id] = &Session{ID: id, Agent: agent, CreatedAt: now, UpdatedAt: now}
	return copySession(s.sessions[id], true), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySession(sess, true), nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return ErrNotFound
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		now := time.Now().UTC()
		sess = &Session{ID: id, CreatedAt: now, UpdatedAt: now}
		s.sessions[id] = sess
	}

	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns metadata for every session, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess, false))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func copySession(sess *Session, withMessages bool) *Session {
	out := &Session{
		ID:        sess.ID,
		Agent:     sess.Agent,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if withMessages {
		out.Messages = make([]Message, len(sess.Messages))
		copy(out.Messages, sess.Messages)
	}
	return out
}
