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

// Gemini talks to the generateContent endpoint. Roles map user->user and
// assistant->model; system messages become the systemInstruction field.
type Gemini struct {
	name   string
	cfg    config.LLMProviderConfig
	apiKey string
	allow  *Allowlist
	client *httpclient.Client
}

type GeminiRequest struct {
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent         `json:"contents"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text string `json:"text"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *GeminiError         `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGemini(name string, cfg config.LLMProviderConfig, apiKey string, allow *Allowlist) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		name:   name,
		cfg:    cfg,
		apiKey: apiKey,
		allow:  allow,
		client: newHTTPClient(cfg, httpclient.ParseGeminiHeaders),
	}, nil
}

func (p *Gemini) Name() string  { return p.name }
func (p *Gemini) Model() string { return p.cfg.Model }

func (p *Gemini) IsAvailable() bool { return p.apiKey != "" }

func (p *Gemini) ChatComplete(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	model, temperature, maxTokens := resolveOptions(p.cfg, opts)

	var systemParts []GeminiPart
	request := GeminiRequest{
		GenerationConfig: &GeminiGenerationConfig{
			Temperature:     &temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, GeminiPart{Text: m.Content})
			}
		case RoleAssistant:
			request.Contents = append(request.Contents, GeminiContent{
				Role:  "model",
				Parts: []GeminiPart{{Text: m.Content}},
			})
		default:
			request.Contents = append(request.Contents, GeminiContent{
				Role:  "user",
				Parts: []GeminiPart{{Text: m.Content}},
			})
		}
	}
	if len(systemParts) > 0 {
		request.SystemInstruction = &GeminiContent{Parts: systemParts}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.cfg.BaseURL, model)
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
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		// Error bodies carry a structured message worth surfacing.
		var response GeminiResponse
		if json.Unmarshal(respBody, &response) == nil && response.Error != nil {
			return nil, fmt.Errorf("gemini API request failed with status %d: %s",
				resp.StatusCode, response.Error.Message)
		}
		return nil, fmt.Errorf("gemini API request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var response GeminiResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("gemini API error: %s", response.Error.Message)
	}
	if len(response.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	usage := Usage{}
	if response.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     response.UsageMetadata.PromptTokenCount,
			CompletionTokens: response.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      response.UsageMetadata.TotalTokenCount,
		}
	}
	return &Result{
		Content:  text.String(),
		Model:    model,
		Usage:    usage,
		Provider: p.name,
	}, nil
}
