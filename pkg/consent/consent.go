// Package consent keeps the append-only timeline of page-context shares.
// Entries carry a field-name inventory only, never field values, so the
// log itself cannot leak what was shared.
package consent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one context-share event.
type Entry struct {
	TS              string   `json:"ts"`
	URL             string   `json:"url"`
	Origin          string   `json:"origin"`
	Actor           string   `json:"actor"`
	Fields          []string `json:"fields"`
	Redacted        bool     `json:"redacted"`
	SelectedTextLen int      `json:"selected_text_len"`
	Title           string   `json:"title"`
}

// Log is the JSONL consent store. One mutex guards the file; erasure
// rewrites it in place via a temp file in the same directory.
type Log struct {
	mu   sync.Mutex
	path string
}

// New returns a log backed by path. The file is created on first write.
func New(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("consent log path is required")
	}
	return &Log{path: path}, nil
}

// Record appends one entry, stamping TS if the caller left it empty.
// Actor is required: an unattributable entry could never be erased.
func (l *Log) Record(e Entry) error {
	if e.Actor == "" {
		return fmt.Errorf("consent entry requires an actor")
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	if e.Fields == nil {
		e.Fields = []string{}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode consent entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open consent log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write consent entry: %w", err)
	}
	return nil
}

// Timeline returns entries newest first. A positive tail keeps only that
// many; zero or negative keeps everything.
func (l *Log) Timeline(tail int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := l.readLocked()
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[:tail]
	}
	return entries, nil
}

// Export returns every entry for the actor, oldest first and unbounded.
// The match is exact: erasing "bob" must never touch "bobby", so the
// export view uses the same rule.
func (l *Log) Export(actor string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := l.readLocked()
	if err != nil {
		return nil, err
	}

	out := []Entry{}
	for _, e := range entries {
		if e.Actor == actor {
			out = append(out, e)
		}
	}
	return out, nil
}

// Erase rewrites the log without the actor's entries and returns how
// many were removed. Lines that do not parse are kept verbatim; erasure
// must not destroy records it cannot attribute.
func (l *Log) Erase(actor string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, lines, err := l.readLocked()
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	kept := make([]string, 0, len(lines))
	removed := 0
	for _, line := range lines {
		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil && e.Actor == actor {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".consent-*")
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite consent log: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, line := range kept {
		if _, err := tmp.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to rewrite consent log: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to rewrite consent log: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return 0, fmt.Errorf("failed to rewrite consent log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return 0, fmt.Errorf("failed to rewrite consent log: %w", err)
	}
	return removed, nil
}

// readLocked returns parsed entries in file order plus every raw
// non-empty line. Callers hold l.mu.
func (l *Log) readLocked() ([]Entry, []string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to open consent log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)

		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read consent log: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, lines, nil
}
