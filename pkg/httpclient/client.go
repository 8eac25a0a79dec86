// Package httpclient provides the retrying HTTP client shared by the LLM
// provider adapters and the embedder clients.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy classifies how a failed request may be retried in place.
type RetryStrategy int

const (
	// NoRetry surfaces the response immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry allows up to two quick retries for transient
	// server-side errors.
	ConservativeRetry
	// SmartRetry honours rate-limit headers, falling back to exponential
	// delay with jitter.
	SmartRetry
)

// RateLimitInfo carries whatever throttling hints a vendor response exposed.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
	TokensRemaining       int
}

// RateLimitHeaderParser extracts RateLimitInfo from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// RetryStrategyFunc maps a status code to a retry strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client wraps http.Client with status-aware retries. The provider failover
// layer sits above this client; in-place retries here cover transient
// hiccups, failover covers sustained provider outages.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   2,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// DefaultRetryStrategy treats throttling and temporary unavailability as
// smart-retriable, other server errors as conservatively retriable, and
// everything else as final.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, replaying the body via GetBody on each retry.
// The request context bounds the total time including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", bodyErr)
			}
			req.Body = body
		}

		resp, err = c.client.Do(req)
		if err != nil {
			// Transport errors carry no status to classify; failover above
			// this client decides what to do with them.
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategyFunc(resp.StatusCode)
		err = fmt.Errorf("HTTP %d", resp.StatusCode)
		if strategy == NoRetry {
			return resp, err
		}

		var hints RateLimitInfo
		if c.headerParser != nil {
			hints = c.headerParser(resp.Header)
		}
		delay := c.delayFor(strategy, attempt, hints)

		if attempt >= c.maxRetries {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
				RetryAfter: delay,
				Err:        err,
			}
		}
		if delay <= 0 {
			return resp, err
		}

		if resp.Body != nil {
			resp.Body.Close()
		}
		slog.Debug("Retrying request",
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max", c.maxRetries)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, hints RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		// Vendor hints win; exponential backoff with 10% jitter otherwise.
		if hints.RetryAfter > 0 {
			return hints.RetryAfter
		}
		if hints.ResetTime > 0 {
			if until := time.Until(time.Unix(hints.ResetTime, 0)); until > 0 {
				return until
			}
		}
		base := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return base + time.Duration(float64(base)*0.1)

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}
