package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

func retryAfterSeconds(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func headerInt(headers http.Header, name string) int {
	n, _ := strconv.Atoi(headers.Get(name))
	return n
}

// ParseAnthropicHeaders extracts rate-limit hints from Anthropic responses.
// Reset headers are RFC3339; the first present wins.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:            retryAfterSeconds(headers),
		RequestsRemaining:     headerInt(headers, "anthropic-ratelimit-requests-remaining"),
		InputTokensRemaining:  headerInt(headers, "anthropic-ratelimit-input-tokens-remaining"),
		OutputTokensRemaining: headerInt(headers, "anthropic-ratelimit-output-tokens-remaining"),
	}
	for _, name := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		raw := headers.Get(name)
		if raw == "" {
			continue
		}
		if reset, err := time.Parse(time.RFC3339, raw); err == nil {
			info.ResetTime = reset.Unix()
			break
		}
	}
	return info
}

// ParseOpenAIHeaders extracts rate-limit hints from OpenAI-compatible
// responses. Reset headers carry epoch seconds.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:        retryAfterSeconds(headers),
		RequestsRemaining: headerInt(headers, "x-ratelimit-remaining-requests"),
		TokensRemaining:   headerInt(headers, "x-ratelimit-remaining-tokens"),
	}
	for _, name := range []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	} {
		raw := headers.Get(name)
		if raw == "" {
			continue
		}
		if reset, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.ResetTime = reset
			break
		}
	}
	return info
}

// ParseGeminiHeaders extracts rate-limit hints from Gemini responses,
// which only expose Retry-After.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}
}
