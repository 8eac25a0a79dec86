package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLStore keeps sessions in two tables: session metadata and one row
// per message ordered by sequence_num. Timestamps are stored as epoch
// milliseconds so no driver needs time parsing enabled.
type SQLStore struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps db, creating the schema if needed. Dialect must be
// one of sqlite, mysql, or postgres; it selects DDL and placeholders.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, mysql, postgres)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaFor(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor returns one statement per element; mysql cannot run
// multi-statement Exec without a DSN flag and has no CREATE INDEX IF
// NOT EXISTS, so its index lives inline in the table definition.
func schemaFor(dialect string) []string {
	switch dialect {
	case "postgres":
		return []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    agent VARCHAR(255) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS session_messages (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    sequence_num BIGINT NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_session_messages_sequence ON session_messages(session_id, sequence_num)`,
		}
	case "mysql":
		return []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    agent VARCHAR(255) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS session_messages (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(64) NOT NULL,
    sequence_num BIGINT NOT NULL,
    role VARCHAR(32) NOT NULL,
    content MEDIUMTEXT NOT NULL,
    INDEX idx_session_messages_sequence (session_id, sequence_num)
)`,
		}
	default: // sqlite
		return []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    agent TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS session_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_session_messages_sequence ON session_messages(session_id, sequence_num)`,
		}
	}
}

func (s *SQLStore) Create(ctx context.Context, id, agent string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	now := time.Now().UTC()
	query := `INSERT INTO sessions (id, agent, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO sessions (id, agent, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	}
	if _, err := s.db.ExecContext(ctx, query, id, agent, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return &Session{ID: id, Agent: agent, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	query := `SELECT agent, created_at, updated_at FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT agent, created_at, updated_at FROM sessions WHERE id = $1`
	}

	var agent string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&agent, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	sess := &Session{
		ID:        id,
		Agent:     agent,
		Messages:  []Message{},
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}

	msgQuery := `SELECT role, content FROM session_messages WHERE session_id = ? ORDER BY sequence_num ASC`
	if s.dialect == "postgres" {
		msgQuery = `SELECT role, content FROM session_messages WHERE session_id = $1 ORDER BY sequence_num ASC`
	}
	rows, err := s.db.QueryContext(ctx, msgQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return ErrNotFound
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		query := `INSERT INTO sessions (id, agent, created_at, updated_at) VALUES (?, ?, ?, ?)`
		if s.dialect == "postgres" {
			query = `INSERT INTO sessions (id, agent, created_at, updated_at) VALUES ($1, $2, $3, $4)`
		}
		if _, err := s.db.ExecContext(ctx, query, id, "", now.UnixMilli(), now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to ensure session exists: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var startSeq int64
	seqQuery := `SELECT COALESCE(MAX(sequence_num), 0) FROM session_messages WHERE session_id = ?`
	if s.dialect == "postgres" {
		seqQuery = `SELECT COALESCE(MAX(sequence_num), 0) FROM session_messages WHERE session_id = $1`
	}
	if err = tx.QueryRowContext(ctx, seqQuery, id).Scan(&startSeq); err != nil {
		err = fmt.Errorf("failed to get sequence number: %w", err)
		return err
	}

	insertQuery := `INSERT INTO session_messages (session_id, sequence_num, role, content) VALUES (?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insertQuery = `INSERT INTO session_messages (session_id, sequence_num, role, content) VALUES ($1, $2, $3, $4)`
	}
	for i, m := range msgs {
		if _, execErr := tx.ExecContext(ctx, insertQuery, id, startSeq+int64(i)+1, m.Role, m.Content); execErr != nil {
			err = fmt.Errorf("failed to insert message at index %d: %w", i, execErr)
			return err
		}
	}

	updateQuery := `UPDATE sessions SET updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		updateQuery = `UPDATE sessions SET updated_at = $1 WHERE id = $2`
	}
	if _, err = tx.ExecContext(ctx, updateQuery, now.UnixMilli(), id); err != nil {
		err = fmt.Errorf("failed to update session timestamp: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []*Session{}
	for rows.Next() {
		var id, agent string
		var created, updated int64
		if err := rows.Scan(&id, &agent, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, &Session{
			ID:        id,
			Agent:     agent,
			CreatedAt: time.UnixMilli(created).UTC(),
			UpdatedAt: time.UnixMilli(updated).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	msgQuery := `DELETE FROM session_messages WHERE session_id = ?`
	if s.dialect == "postgres" {
		msgQuery = `DELETE FROM session_messages WHERE session_id = $1`
	}
	if _, err = tx.ExecContext(ctx, msgQuery, id); err != nil {
		err = fmt.Errorf("failed to delete messages: %w", err)
		return err
	}

	query := `DELETE FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM sessions WHERE id = $1`
	}
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		err = fmt.Errorf("failed to delete session: %w", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT 1 FROM sessions WHERE id = $1`
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query session: %w", err)
	}
	return true, nil
}
