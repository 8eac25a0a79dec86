package config

import (
	"fmt"
	"path/filepath"
)

// VectorConfig selects the vector store backing agent memory search and
// knowledge retrieval.
type VectorConfig struct {
	// Enabled turns vector memory on. Defaults to false; the chat engine
	// skips the relevant-memory block when disabled.
	Enabled *bool `yaml:"enabled" json:"enabled" jsonschema:"default=false"`

	// Backend is "chromem" (embedded, default), "qdrant", or "pinecone".
	Backend string `yaml:"backend" json:"backend" jsonschema:"enum=chromem,enum=qdrant,enum=pinecone,default=chromem"`

	// Collection is the default collection/index namespace.
	Collection string `yaml:"collection" json:"collection" jsonschema:"default=gateway"`

	Chromem  ChromemConfig  `yaml:"chromem,omitempty" json:"chromem,omitempty"`
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty" json:"qdrant,omitempty"`
	Pinecone PineconeConfig `yaml:"pinecone,omitempty" json:"pinecone,omitempty"`

	Embedder EmbedderConfig `yaml:"embedder" json:"embedder"`
}

// ChromemConfig configures the embedded file-persisted store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty derives from data_dir.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Compress gzips the persisted segments.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// QdrantConfig configures the qdrant gRPC client.
type QdrantConfig struct {
	Host   string `yaml:"host" json:"host" jsonschema:"default=localhost"`
	Port   int    `yaml:"port" json:"port" jsonschema:"default=6334"`
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// PineconeConfig configures the pinecone client. Collections map to
// namespaces within the one index; Namespace optionally prefixes them.
type PineconeConfig struct {
	APIKey    string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	IndexHost string `yaml:"index_host" json:"index_host"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// EmbedderConfig configures the embedding client used for upserts and
// queries.
type EmbedderConfig struct {
	// Type is "openai" (OpenAI-compatible /v1/embeddings) or "ollama".
	Type string `yaml:"type" json:"type" jsonschema:"enum=openai,enum=ollama,default=ollama"`

	// Model is the embedding model name.
	Model string `yaml:"model" json:"model" jsonschema:"default=nomic-embed-text"`

	// BaseURL overrides the endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey for hosted embedders; same env/file resolution as providers.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Dimensions declares the vector width for backends that require it.
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty" jsonschema:"default=768"`
}

func (c *VectorConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

func (c *VectorConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Backend == "" {
		c.Backend = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "gateway"
	}
	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Embedder.Type == "" {
		c.Embedder.Type = "ollama"
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "nomic-embed-text"
	}
	if c.Embedder.Dimensions == 0 {
		c.Embedder.Dimensions = 768
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Backend {
	case "chromem", "qdrant", "pinecone":
	default:
		return fmt.Errorf("invalid backend %q (valid: chromem, qdrant, pinecone)", c.Backend)
	}
	switch c.Embedder.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedder: invalid type %q (valid: openai, ollama)", c.Embedder.Type)
	}
	if c.IsEnabled() && c.Backend == "pinecone" && c.Pinecone.IndexHost == "" {
		return fmt.Errorf("pinecone: index_host is required")
	}
	return nil
}

func (c *VectorConfig) ResolvePaths(dataDir string) {
	if c.Chromem.Path == "" {
		c.Chromem.Path = filepath.Join(dataDir, "vector")
	}
}

// KnowledgeConfig controls document ingestion into the vector store.
type KnowledgeConfig struct {
	// Enabled turns the ingest pipeline and watcher on.
	Enabled *bool `yaml:"enabled" json:"enabled" jsonschema:"default=false"`

	// WatchDir is scanned at startup and watched for changes. Empty
	// disables watching; uploads through the admin API still work.
	WatchDir string `yaml:"watch_dir,omitempty" json:"watch_dir,omitempty"`

	// Collection receives knowledge chunks. Defaults to "knowledge".
	Collection string `yaml:"collection" json:"collection" jsonschema:"default=knowledge"`

	// ChunkSize is the target chunk length in characters.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size" jsonschema:"default=1200,minimum=100"`

	// ChunkOverlap is how many characters consecutive chunks share.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap" jsonschema:"default=200,minimum=0"`
}

func (c *KnowledgeConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

func (c *KnowledgeConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1200
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
}

func (c *KnowledgeConfig) Validate() error {
	if c.ChunkSize < 100 {
		return fmt.Errorf("chunk_size must be at least 100")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be non-negative and smaller than chunk_size")
	}
	return nil
}
