// Package audit persists the tamper-evident log of privileged gateway
// actions. One JSON object per line; with an encryption key each line is
// base64(nonce || AES-256-GCM ciphertext) instead.
package audit

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	TS      string         `json:"ts"`
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details,omitempty"`
}

// Filter narrows Export results. All set fields must match.
type Filter struct {
	// Tail keeps only the newest N entries, applied after the other
	// filters. Zero keeps everything.
	Tail int
	// Actor and Event are case-sensitive substring matches.
	Actor string
	Event string
	// Since and Until bound the timestamp (inclusive since, exclusive
	// until). Zero values are open ends.
	Since time.Time
	Until time.Time
}

// Log is the append-only audit log. Writes are serialised and never
// surface errors to callers; a gateway request must not fail because
// the audit disk is full.
type Log struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// New opens (or will create on first write) the log at path. A 32-byte
// key turns on AES-256-GCM; nil means plaintext. Any other key length
// is an error.
func New(path string, key []byte) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	l := &Log{path: path}

	if len(key) > 0 {
		if len(key) != 32 {
			return nil, fmt.Errorf("audit key must be exactly 32 bytes, got %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to init audit cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to init audit cipher: %w", err)
		}
		l.aead = aead
	}

	return l, nil
}

// KeyFromEnv decodes the named env var as base64. Returns nil unless it
// decodes to exactly 32 bytes, logging a warning for anything else.
func KeyFromEnv(name string) []byte {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		slog.Warn("Audit key is not valid base64, encryption disabled", "env", name)
		return nil
	}
	if len(key) != 32 {
		slog.Warn("Audit key must decode to 32 bytes, encryption disabled", "env", name, "got", len(key))
		return nil
	}
	return key
}

// Record appends one entry. Errors are logged and swallowed.
func (l *Log) Record(event, actor string, details map[string]any) {
	if l == nil {
		return
	}

	entry := Entry{
		TS:      time.Now().UTC().Format(time.RFC3339),
		Event:   event,
		Actor:   actor,
		Details: details,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to encode audit entry", "event", event, "error", err)
		return
	}

	if l.aead != nil {
		sealed, err := l.seal(line)
		if err != nil {
			slog.Error("Failed to encrypt audit entry", "event", event, "error", err)
			return
		}
		line = sealed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		slog.Error("Failed to open audit log", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "path", l.path, "error", err)
	}
}

func (l *Log) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := l.aead.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func (l *Log) open(line []byte) ([]byte, bool) {
	if l.aead == nil {
		return nil, false
	}
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil || n < l.aead.NonceSize() {
		return nil, false
	}
	sealed = sealed[:n]
	nonce, ciphertext := sealed[:l.aead.NonceSize()], sealed[l.aead.NonceSize():]
	plaintext, err := l.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Export reads the whole log and returns entries matching the filter,
// oldest first. Undecodable lines are skipped; a log written partly
// plaintext and partly encrypted reads fine.
func (l *Log) Export(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if plaintext, ok := l.open(line); ok {
			if json.Unmarshal(plaintext, &entry) != nil {
				continue
			}
		} else if json.Unmarshal(line, &entry) != nil {
			continue
		}

		if !matches(entry, filter) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if filter.Tail > 0 && len(entries) > filter.Tail {
		entries = entries[len(entries)-filter.Tail:]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func matches(e Entry, f Filter) bool {
	if f.Actor != "" && !strings.Contains(e.Actor, f.Actor) {
		return false
	}
	if f.Event != "" && !strings.Contains(e.Event, f.Event) {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(time.RFC3339, e.TS)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && !ts.Before(f.Until) {
			return false
		}
	}
	return true
}

// ExportCSV writes matching entries as ts,event,actor,details rows,
// details JSON-encoded.
func (l *Log) ExportCSV(w io.Writer, filter Filter) error {
	entries, err := l.Export(filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ts", "event", "actor", "details"}); err != nil {
		return err
	}
	for _, e := range entries {
		details := ""
		if e.Details != nil {
			b, err := json.Marshal(e.Details)
			if err == nil {
				details = string(b)
			}
		}
		if err := cw.Write([]string{e.TS, e.Event, e.Actor, details}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Encrypted reports whether entries are written sealed.
func (l *Log) Encrypted() bool {
	return l.aead != nil
}
