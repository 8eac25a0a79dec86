package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Pinecone backs the store with one pinecone index; collections map to
// namespaces within it (prefixed by the configured namespace when set).
// The index itself must already exist.
type Pinecone struct {
	client *pinecone.Client
	cfg    config.PineconeConfig
}

func NewPinecone(cfg config.PineconeConfig) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone API key is required")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("pinecone index host is required")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}
	return &Pinecone{client: client, cfg: cfg}, nil
}

func (s *Pinecone) namespace(collection string) string {
	if s.cfg.Namespace == "" {
		return collection
	}
	return s.cfg.Namespace + "." + collection
}

func (s *Pinecone) connect(collection string) (*pinecone.IndexConnection, error) {
	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      s.cfg.IndexHost,
		Namespace: s.namespace(collection),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pinecone index: %w", err)
	}
	return conn, nil
}

func (s *Pinecone) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	conn, err := s.connect(collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	var meta *pinecone.Metadata
	if len(metadata) > 0 {
		meta, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (s *Pinecone) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	conn, err := s.connect(collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	out := make([]Result, 0, len(res.Matches))
	for _, match := range res.Matches {
		if match.Vector == nil {
			continue
		}
		metadata := make(map[string]any)
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}
		out = append(out, Result{
			ID:       match.Vector.Id,
			Content:  content,
			Score:    match.Score,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (s *Pinecone) Delete(ctx context.Context, collection, id string) error {
	conn, err := s.connect(collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (s *Pinecone) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := s.connect(collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	meta, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, meta); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// Close is a no-op; connections are per-call.
func (s *Pinecone) Close() error {
	return nil
}

var _ Store = (*Pinecone)(nil)
