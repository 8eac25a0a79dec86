// Package vector provides the similarity store behind agent memory
// search and knowledge retrieval. Three backends: embedded chromem-go
// (default, file-persisted), qdrant over gRPC, and pinecone. Embedding
// happens outside the store; every method takes pre-computed vectors.
package vector

import (
	"context"
	"fmt"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Result is one similarity hit.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the backend-neutral vector store. Collections are created
// implicitly on first upsert. Content travels in metadata under the
// "content" key and comes back in Result.Content.
type Store interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	Close() error
}

// New selects the backend from config.
func New(cfg config.VectorConfig) (Store, error) {
	switch cfg.Backend {
	case "", "chromem":
		return NewChromem(cfg.Chromem)
	case "qdrant":
		return NewQdrant(cfg.Qdrant)
	case "pinecone":
		return NewPinecone(cfg.Pinecone)
	default:
		return nil, fmt.Errorf("unsupported vector backend %q", cfg.Backend)
	}
}
