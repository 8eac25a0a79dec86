package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// Anthropic talks to the messages endpoint. System-role input is hoisted
// into the request's dedicated system field.
type Anthropic struct {
	name   string
	cfg    config.LLMProviderConfig
	apiKey string
	allow  *Allowlist
	client *httpclient.Client
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
}

type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropic(name string, cfg config.LLMProviderConfig, apiKey string, allow *Allowlist) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &Anthropic{
		name:   name,
		cfg:    cfg,
		apiKey: apiKey,
		allow:  allow,
		client: newHTTPClient(cfg, httpclient.ParseAnthropicHeaders),
	}, nil
}

func (p *Anthropic) Name() string  { return p.name }
func (p *Anthropic) Model() string { return p.cfg.Model }

func (p *Anthropic) IsAvailable() bool { return p.apiKey != "" }

func (p *Anthropic) ChatComplete(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	model, temperature, maxTokens := resolveOptions(p.cfg, opts)
	if maxTokens <= 0 {
		// max_tokens is mandatory on this API.
		maxTokens = 4096
	}

	var systemParts []string
	request := AnthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		request.Messages = append(request.Messages, AnthropicMessage{Role: m.Role, Content: m.Content})
	}
	request.System = strings.Join(systemParts, "\n\n")

	url := p.cfg.BaseURL + "/v1/messages"
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
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response AnthropicResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if response.Model != "" {
		model = response.Model
	}
	return &Result{
		Content: text.String(),
		Model:   model,
		Usage: Usage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
			TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
		},
		Provider: p.name,
	}, nil
}
