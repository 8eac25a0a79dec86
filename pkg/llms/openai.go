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

func newHTTPClient(cfg config.LLMProviderConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(parser),
	)
}

// OpenAI talks to the chat completions endpoint.
type OpenAI struct {
	name   string
	cfg    config.LLMProviderConfig
	apiKey string
	allow  *Allowlist
	client *httpclient.Client
}

type OpenAIRequest struct {
	Model    string          `json:"model"`
	Messages []OpenAIMessage `json:"messages"`
	// Reasoning models reject max_tokens; exactly one of the two limits
	// is set per request.
	MaxTokens           *int    `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int    `json:"max_completion_tokens,omitempty"`
	Temperature         float64 `json:"temperature,omitempty"`
	Stream              bool    `json:"stream"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIResponse struct {
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAI(name string, cfg config.LLMProviderConfig, apiKey string, allow *Allowlist) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAI{
		name:   name,
		cfg:    cfg,
		apiKey: apiKey,
		allow:  allow,
		client: newHTTPClient(cfg, httpclient.ParseOpenAIHeaders),
	}, nil
}

func (p *OpenAI) Name() string  { return p.name }
func (p *OpenAI) Model() string { return p.cfg.Model }

func (p *OpenAI) IsAvailable() bool { return p.apiKey != "" }

func (p *OpenAI) ChatComplete(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	model, temperature, maxTokens := resolveOptions(p.cfg, opts)

	request := OpenAIRequest{
		Model:       model,
		Temperature: temperature,
		Messages:    make([]OpenAIMessage, 0, len(messages)),
	}
	for _, m := range messages {
		request.Messages = append(request.Messages, OpenAIMessage{Role: m.Role, Content: m.Content})
	}
	if maxTokens > 0 {
		if isReasoningModel(model) {
			request.MaxCompletionTokens = &maxTokens
		} else {
			request.MaxTokens = &maxTokens
		}
	}

	url := p.cfg.BaseURL + "/v1/chat/completions"
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
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response OpenAIResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode openai response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("openai API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	if response.Model != "" {
		model = response.Model
	}
	return &Result{
		Content:  response.Choices[0].Message.Content,
		Model:    model,
		Usage:    response.Usage,
		Provider: p.name,
	}, nil
}

// resolveOptions merges per-request options over provider defaults.
func resolveOptions(cfg config.LLMProviderConfig, opts Options) (model string, temperature float64, maxTokens int) {
	model = cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	temperature = cfg.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens = cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	return model, temperature, maxTokens
}

// isReasoningModel reports whether the model takes max_completion_tokens
// (o-series and gpt-5 families).
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	if m == "o1" || m == "o3" || m == "o4" || m == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}
