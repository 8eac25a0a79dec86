package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/httpclient"
	"github.com/intelliclaw/gateway/pkg/llms"
)

// Embedder turns text into a vector. The outbound allow-list applies
// to embedding endpoints the same as to chat providers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewEmbedder selects the embedding client from config. Hosted
// embedders need the resolved API key; ollama needs none.
func NewEmbedder(cfg config.EmbedderConfig, apiKey string, allow *llms.Allowlist) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg, apiKey, allow)
	case "", "ollama":
		return NewOllamaEmbedder(cfg, allow), nil
	default:
		return nil, fmt.Errorf("unsupported embedder type %q", cfg.Type)
	}
}

func embedderHTTPClient(parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(2),
		httpclient.WithHeaderParser(parser),
	)
}

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	cfg    config.EmbedderConfig
	apiKey string
	allow  *llms.Allowlist
	client *httpclient.Client
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func NewOpenAIEmbedder(cfg config.EmbedderConfig, apiKey string, allow *llms.Allowlist) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI embedder API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		apiKey: apiKey,
		allow:  allow,
		client: embedderHTTPClient(httpclient.ParseOpenAIHeaders),
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	url := e.cfg.BaseURL + "/v1/embeddings"
	if err := e.allow.Check(url); err != nil {
		return nil, err
	}

	body, err := json.Marshal(openAIEmbedRequest{Model: e.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response openAIEmbedResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("embedding response carried no vectors")
	}
	return response.Data[0].Embedding, nil
}

// OllamaEmbedder calls a local ollama daemon. Requests are serialised:
// the daemon's llama runner crashes on concurrent embedding calls.
type OllamaEmbedder struct {
	cfg    config.EmbedderConfig
	allow  *llms.Allowlist
	client *httpclient.Client
	mu     sync.Mutex
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func NewOllamaEmbedder(cfg config.EmbedderConfig, allow *llms.Allowlist) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		cfg:    cfg,
		allow:  allow,
		client: embedderHTTPClient(nil),
	}
}

func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	url := e.cfg.BaseURL + "/api/embeddings"
	if err := e.allow.Check(url); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("embedding failed: %s", response.Error)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("embedding response carried no vector")
	}
	return response.Embedding, nil
}
