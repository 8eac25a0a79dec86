// Package llms holds the provider adapters the chat engine talks
// through: hand-rolled wire types per vendor over the shared retrying
// HTTP client, an outbound origin allow-list enforced before any
// network I/O, a failover chain with per-provider cooldowns, and the
// provider key store.
package llms

import "context"

// Message roles. Adapters map these onto each vendor's dialect.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage counts tokens for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a finished completion. The failover fields are annotated by
// the failover layer, never by adapters.
type Result struct {
	Content        string `json:"content"`
	Model          string `json:"model"`
	Usage          Usage  `json:"usage"`
	Provider       string `json:"provider"`
	FailoverUsed   bool   `json:"failover_used"`
	ActualProvider string `json:"actual_provider"`
	ActualModel    string `json:"actual_model"`
	FailoverReason string `json:"failover_reason,omitempty"`
}

// Options tunes one completion. Zero values fall back to the provider's
// configured defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Provider is one upstream LLM endpoint. System-role messages are
// delivered through whatever native mechanism the vendor offers, so
// callers can always prepend a plain system message.
type Provider interface {
	Name() string
	Model() string
	IsAvailable() bool
	ChatComplete(ctx context.Context, messages []Message, opts Options) (*Result, error)
}
