package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseAnthropicHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "30")
	h.Set("anthropic-ratelimit-requests-remaining", "99")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "5000")
	h.Set("anthropic-ratelimit-output-tokens-remaining", "2000")
	h.Set("anthropic-ratelimit-requests-reset", time.Now().Add(time.Minute).Format(time.RFC3339))

	info := ParseAnthropicHeaders(h)
	if info.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", info.RetryAfter)
	}
	if info.RequestsRemaining != 99 {
		t.Errorf("RequestsRemaining = %d, want 99", info.RequestsRemaining)
	}
	if info.InputTokensRemaining != 5000 {
		t.Errorf("InputTokensRemaining = %d, want 5000", info.InputTokensRemaining)
	}
	if info.OutputTokensRemaining != 2000 {
		t.Errorf("OutputTokensRemaining = %d, want 2000", info.OutputTokensRemaining)
	}
	if info.ResetTime == 0 {
		t.Error("ResetTime not parsed")
	}
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	h.Set("x-ratelimit-remaining-requests", "42")
	h.Set("x-ratelimit-remaining-tokens", "90000")
	h.Set("x-ratelimit-reset-requests", "1700000000")

	info := ParseOpenAIHeaders(h)
	if info.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", info.RetryAfter)
	}
	if info.RequestsRemaining != 42 {
		t.Errorf("RequestsRemaining = %d, want 42", info.RequestsRemaining)
	}
	if info.TokensRemaining != 90000 {
		t.Errorf("TokensRemaining = %d, want 90000", info.TokensRemaining)
	}
	if info.ResetTime != 1700000000 {
		t.Errorf("ResetTime = %d, want 1700000000", info.ResetTime)
	}
}

func TestParseGeminiHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	info := ParseGeminiHeaders(h)
	if info.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", info.RetryAfter)
	}

	empty := ParseGeminiHeaders(http.Header{})
	if empty.RetryAfter != 0 {
		t.Errorf("RetryAfter on empty headers = %v, want 0", empty.RetryAfter)
	}
}
