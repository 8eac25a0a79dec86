package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Chromem is the embedded store: pure Go, in-process, with optional
// gob persistence. Good for single-node deployments; all vectors live
// in RAM.
type Chromem struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromem(cfg config.ChromemConfig) (*Chromem, error) {
	var db *chromem.DB

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vector directory: %w", err)
		}

		dbPath := chromemFile(cfg.Path, cfg.Compress)
		if _, err := os.Stat(dbPath); err == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load vector database, starting empty",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("Loaded vector database", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Vector store is in-memory only (no persist path)")
	}

	return &Chromem{
		db:          db,
		persistPath: cfg.Path,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func chromemFile(dir string, compress bool) string {
	name := "vectors.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

func (s *Chromem) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Vectors arrive pre-computed; the embedding hook must never fire.
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("no embedding function: vectors are pre-computed")
	}
	col, err := s.db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *Chromem) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	strMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMeta[k] = fmt.Sprint(v)
	}
	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMeta,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector store", "error", err)
	}
	return nil
}

func (s *Chromem) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than the
	// collection holds.
	if count := col.Count(); count < topK {
		topK = count
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		metadata := make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       h.ID,
			Content:  h.Content,
			Score:    h.Similarity,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (s *Chromem) Delete(ctx context.Context, collection, id string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector store", "error", err)
	}
	return nil
}

func (s *Chromem) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	where := make(map[string]string, len(filter))
	for k, v := range filter {
		where[k] = fmt.Sprint(v)
	}
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector store", "error", err)
	}
	return nil
}

// Close flushes the store to disk when persistence is configured.
func (s *Chromem) Close() error {
	return s.persist()
}

func (s *Chromem) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := chromemFile(s.persistPath, s.compress)
	//nolint:staticcheck // Export is deprecated but its replacement needs a newer chromem.
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist vector store: %w", err)
	}
	return nil
}

var _ Store = (*Chromem)(nil)
