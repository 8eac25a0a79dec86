// Package utils holds small helpers shared across gateway subsystems.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the encoding that matches a model.
// Counts feed the session token-usage report and compaction budgeting.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// Message is the minimal shape token counting needs.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenCounter resolves the encoding for model, falling back through
// the prefix map to cl100k_base for vendors tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(EncodingForModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for %s: %w", model, err)
		}
	}

	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for raw text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts a conversation including per-message role overhead
// and the assistant reply priming, per OpenAI's counting recipe.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(msg.Role, nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	return total + 3
}

// FitWithinLimit keeps the most recent messages that fit the budget,
// preserving order.
func (tc *TokenCounter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := []Message{}
	used := 3
	for i := len(messages) - 1; i >= 0; i-- {
		cost := tc.CountMessages([]Message{messages[i]})
		if used+cost > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		used += cost
	}
	return fitted
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens is the heuristic used when no encoding is available:
// roughly four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// encodingsByPrefix maps model-name prefixes to tiktoken encodings.
// Non-OpenAI vendors are approximated with cl100k_base.
var encodingsByPrefix = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"o1", "o200k_base"},
	{"claude", "cl100k_base"},
	{"gemini", "cl100k_base"},
	{"llama", "cl100k_base"},
	{"mistral", "cl100k_base"},
}

// EncodingForModel maps a model name to its tiktoken encoding by prefix,
// defaulting to cl100k_base.
func EncodingForModel(model string) string {
	for _, entry := range encodingsByPrefix {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.encoding
		}
	}
	return "cl100k_base"
}
