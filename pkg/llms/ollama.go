package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/httpclient"
)

// Ollama talks to a local (or LAN) Ollama daemon. No API key; reach any
// non-localhost daemon by extending the outbound allow-list.
type Ollama struct {
	name   string
	cfg    config.LLMProviderConfig
	allow  *Allowlist
	client *httpclient.Client
}

type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *OllamaOptions  `json:"options,omitempty"`
}

type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OllamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type OllamaResponse struct {
	Model           string        `json:"model"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllama(name string, cfg config.LLMProviderConfig, allow *Allowlist) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Ollama{
		name:   name,
		cfg:    cfg,
		allow:  allow,
		client: newHTTPClient(cfg, nil),
	}, nil
}

func (p *Ollama) Name() string  { return p.name }
func (p *Ollama) Model() string { return p.cfg.Model }

// IsAvailable probes the daemon's tag listing with a short timeout.
func (p *Ollama) IsAvailable() bool {
	url := p.cfg.BaseURL + "/api/tags"
	if err := p.allow.Check(url); err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Ollama) ChatComplete(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	model, temperature, maxTokens := resolveOptions(p.cfg, opts)

	request := OllamaRequest{
		Model:    model,
		Stream:   false,
		Messages: make([]OllamaMessage, 0, len(messages)),
		Options: &OllamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	}
	for _, m := range messages {
		request.Messages = append(request.Messages, OllamaMessage{Role: m.Role, Content: m.Content})
	}

	url := p.cfg.BaseURL + "/api/chat"
	if err := p.allow.Check(url); err != nil {
		return nil, err
	}

	body, err := json.Marshal(request)
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

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response OllamaResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", response.Error)
	}

	if response.Model != "" {
		model = response.Model
	}
	return &Result{
		Content: response.Message.Content,
		Model:   model,
		Usage: Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
			TotalTokens:      response.PromptEvalCount + response.EvalCount,
		},
		Provider: p.name,
	}, nil
}
