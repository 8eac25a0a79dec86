package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ingestDebounce coalesces the burst of events an editor save produces
// into one ingest per path.
const ingestDebounce = 500 * time.Millisecond

// Watcher keeps the knowledge collection in sync with a directory: a
// full scan at startup, then create, write, remove and rename events.
type Watcher struct {
	pipeline *Pipeline
	dir      string
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(pipeline *Pipeline, dir string) *Watcher {
	return &Watcher{
		pipeline: pipeline,
		dir:      dir,
		pending:  make(map[string]*time.Timer),
	}
}

// Start registers the directory tree and spawns the event loop plus a
// background startup scan. It returns once watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("knowledge watch dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("knowledge watch dir %s is not a directory", w.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.watchTree(w.dir); err != nil {
		watcher.Close()
		return err
	}

	go w.loop(ctx)
	go func() {
		n, err := w.pipeline.IngestDir(ctx, w.dir)
		if err != nil {
			slog.Error("Knowledge startup scan failed", "dir", w.dir, "error", err)
			return
		}
		slog.Info("Knowledge startup scan complete", "dir", w.dir, "documents", n)
	}()

	slog.Info("Watching knowledge directory", "dir", w.dir)
	return nil
}

// watchTree registers root and every non-hidden subdirectory.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Knowledge watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			go func() {
				if _, err := w.pipeline.IngestDir(ctx, event.Name); err != nil {
					slog.Warn("Failed to ingest new directory", "path", event.Name, "error", err)
				}
			}()
			return
		}
		w.scheduleIngest(ctx, event.Name)

	case event.Op&fsnotify.Write == fsnotify.Write:
		w.scheduleIngest(ctx, event.Name)

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		// A removed directory fires a single event for itself, so
		// chunks from files under it stay until their next re-ingest.
		if !Supported(event.Name) {
			return
		}
		if err := w.pipeline.Remove(ctx, event.Name); err != nil {
			slog.Warn("Failed to drop chunks for removed file", "path", event.Name, "error", err)
		}
	}
}

func (w *Watcher) scheduleIngest(ctx context.Context, path string) {
	if !Supported(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(ingestDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.pipeline.IngestFile(ctx, path); err != nil {
			slog.Warn("Failed to ingest changed file", "path", path, "error", err)
		}
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
}
