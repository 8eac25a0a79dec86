// Package session persists chat conversations. The default store lives
// in memory; a SQL store shares the gateway database pool and supports
// sqlite, mysql, and postgres.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

var (
	// ErrNotFound is returned for lookups and deletes of unknown sessions.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session whose id is taken.
	ErrExists = errors.New("session already exists")
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a stored conversation. List results carry metadata only
// (Messages nil); Get returns the full history.
type Session struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`
}

// Store is the session backend. AppendMessages creates the session when
// it does not exist yet, so the chat engine can thread client-supplied
// ids without a create round trip.
type Store interface {
	Create(ctx context.Context, id, agent string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	AppendMessages(ctx context.Context, id string, msgs ...Message) error
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}

// New builds the store selected by cfg. SQL backends draw their
// connection from the shared pool.
func New(cfg config.SessionsConfig, pool *config.DBPool) (Store, error) {
	switch cfg.Backend {
	case "", "inmemory":
		return NewMemoryStore(), nil
	case "sql":
		db, err := pool.Get(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, cfg.Driver)
	default:
		return nil, errors.New("unknown session backend: " + cfg.Backend)
	}
}
