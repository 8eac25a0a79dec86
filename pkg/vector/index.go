package vector

import (
	"context"
	"fmt"
	"strings"
)

// Index pairs the store with an embedder so callers work in text. The
// chat engine's relevant-memory lookup and the knowledge pipeline both
// go through here.
type Index struct {
	store    Store
	embedder Embedder
}

func NewIndex(store Store, embedder Embedder) *Index {
	return &Index{store: store, embedder: embedder}
}

// Add embeds text and upserts it. The text is stored under the
// "content" metadata key so search results carry it back.
func (ix *Index) Add(ctx context.Context, collection, id, text string, metadata map[string]any) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["content"] = text
	return ix.store.Upsert(ctx, collection, id, vec, meta)
}

// SearchText embeds the query and returns the topK nearest snippets.
func (ix *Index) SearchText(ctx context.Context, collection, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	return ix.store.Search(ctx, collection, vec, topK)
}

// DeleteWhere removes every document matching the metadata filter.
func (ix *Index) DeleteWhere(ctx context.Context, collection string, filter map[string]any) error {
	return ix.store.DeleteByFilter(ctx, collection, filter)
}

func (ix *Index) Close() error {
	return ix.store.Close()
}
