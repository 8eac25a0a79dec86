package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/llms"
)

func TestOpenAIEmbedder(t *testing.T) {
	var captured openAIEmbedRequest
	var gotPath, gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"data": [{"embedding": [0.1, 0.2, 0.3], "index": 0}]}`))
	}))
	defer server.Close()

	cfg := config.EmbedderConfig{Type: "openai", BaseURL: server.URL, Dimensions: 3}
	embedder, err := NewOpenAIEmbedder(cfg, "sk-test", llms.NewAllowlist([]string{server.URL}))
	require.NoError(t, err)

	vec, err := embedder.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, "/v1/embeddings", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "text-embedding-3-small", captured.Model)
	assert.Equal(t, []string{"hello world"}, captured.Input)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, embedder.Dimensions())
}

func TestOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(config.EmbedderConfig{}, "", llms.NewAllowlist(nil))
	require.Error(t, err)
}

func TestOpenAIEmbedderBlockedURLNeverDialed(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	cfg := config.EmbedderConfig{Type: "openai", BaseURL: server.URL}
	embedder, err := NewOpenAIEmbedder(cfg, "sk-test", llms.NewAllowlist([]string{"https://api.openai.com"}))
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow-list")
	assert.Equal(t, int64(0), hits.Load())
}

func TestOllamaEmbedder(t *testing.T) {
	var captured ollamaEmbedRequest
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"embedding": [0.5, 0.5]}`))
	}))
	defer server.Close()

	cfg := config.EmbedderConfig{Type: "ollama", BaseURL: server.URL + "/", Model: "nomic-embed-text", Dimensions: 2}
	embedder := NewOllamaEmbedder(cfg, llms.NewAllowlist([]string{server.URL}))

	vec, err := embedder.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, "/api/embeddings", gotPath)
	assert.Equal(t, "nomic-embed-text", captured.Model)
	assert.Equal(t, "hello world", captured.Prompt)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
}

func TestOllamaEmbedderSurfacesDaemonError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "model not found"}`))
	}))
	defer server.Close()

	cfg := config.EmbedderConfig{Type: "ollama", BaseURL: server.URL}
	embedder := NewOllamaEmbedder(cfg, llms.NewAllowlist([]string{server.URL}))

	_, err := embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestNewEmbedderSelectsType(t *testing.T) {
	allow := llms.NewAllowlist(nil)

	e, err := NewEmbedder(config.EmbedderConfig{Type: "ollama"}, "", allow)
	require.NoError(t, err)
	assert.IsType(t, &OllamaEmbedder{}, e)

	_, err = NewEmbedder(config.EmbedderConfig{Type: "openai"}, "", allow)
	require.Error(t, err, "hosted embedder without a key")

	_, err = NewEmbedder(config.EmbedderConfig{Type: "watsonx"}, "", allow)
	require.Error(t, err)
}
