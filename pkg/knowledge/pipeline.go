// Package knowledge turns documents into embedded chunks in the vector
// store and keeps them in sync with a watched directory. Admin uploads
// and the directory watcher both feed the same pipeline.
package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/vector"
)

// ingestConcurrency bounds parallel file ingestion during directory
// scans. Chunks within a file stay sequential.
const ingestConcurrency = 4

// Pipeline extracts, chunks and embeds documents into one collection.
type Pipeline struct {
	index      *vector.Index
	collection string
	chunker    *Chunker
}

func NewPipeline(index *vector.Index, cfg config.KnowledgeConfig) *Pipeline {
	collection := cfg.Collection
	if collection == "" {
		collection = "knowledge"
	}
	return &Pipeline{
		index:      index,
		collection: collection,
		chunker:    NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
	}
}

// IngestResult reports what one document contributed to the index.
type IngestResult struct {
	DocID  string `json:"doc_id"`
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

// IngestFile extracts, chunks and embeds one document, replacing any
// chunks a previous version of the same path left behind.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (*IngestResult, error) {
	text, err := Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return p.IngestText(ctx, path, text)
}

// IngestText ingests already-extracted text under a source name. Admin
// uploads come through here directly.
func (p *Pipeline) IngestText(ctx context.Context, source, text string) (*IngestResult, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("source is required")
	}
	chunks := p.chunker.Split(text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", source)
	}

	// Clear the previous version first so a shrinking document leaves
	// no stale tail behind.
	if err := p.index.DeleteWhere(ctx, p.collection, map[string]any{"path": source}); err != nil {
		return nil, fmt.Errorf("failed to clear previous chunks: %w", err)
	}

	docID := uuid.NewString()
	for i, chunk := range chunks {
		meta := map[string]any{
			"path":   source,
			"doc_id": docID,
			"chunk":  i,
		}
		if err := p.index.Add(ctx, p.collection, uuid.NewString(), chunk, meta); err != nil {
			return nil, fmt.Errorf("failed to index chunk %d of %s: %w", i, source, err)
		}
	}

	slog.Info("Document ingested", "source", source, "chunks", len(chunks))
	return &IngestResult{DocID: docID, Source: source, Chunks: len(chunks)}, nil
}

// Remove drops every chunk ingested from the given source.
func (p *Pipeline) Remove(ctx context.Context, source string) error {
	return p.index.DeleteWhere(ctx, p.collection, map[string]any{"path": source})
}

// Search returns the topK chunks nearest to the query.
func (p *Pipeline) Search(ctx context.Context, query string, topK int) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 5
	}
	return p.index.SearchText(ctx, p.collection, query, topK)
}

// IngestDir walks a directory tree and ingests every supported
// document, a few files at a time. Files that fail to parse or embed
// are logged and skipped so one bad document cannot sink a scan.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)

	var ingested atomic.Int64

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := p.IngestFile(gctx, path); err != nil {
				slog.Warn("Skipping document", "path", path, "error", err)
				return nil
			}
			ingested.Add(1)
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return int(ingested.Load()), err
	}
	if walkErr != nil {
		return int(ingested.Load()), walkErr
	}
	return int(ingested.Load()), nil
}
