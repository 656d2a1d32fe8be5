// Package httpclient provides an HTTP client with retry and backoff for
// talking to LLM providers and remote tool servers.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy decides how a failed attempt is retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// QuickRetry retries a small number of times with short fixed delays
	// (transient server errors).
	QuickRetry
	// BackoffRetry retries with exponential backoff, honoring Retry-After
	// when the server provides one (rate limits, overload).
	BackoffRetry
)

// Client wraps http.Client with status-aware retries.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategy   func(statusCode int) RetryStrategy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithBaseDelay sets the base backoff delay.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithRetryStrategy overrides the status-code to strategy mapping.
func WithRetryStrategy(fn func(int) RetryStrategy) Option {
	return func(c *Client) { c.strategy = fn }
}

// New creates a Client with sane defaults: 60s timeout, 3 retries, 2s base
// delay.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		strategy:   DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy maps HTTP status codes to retry strategies.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return BackoffRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return QuickRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying per the configured strategy. The request
// must have GetBody set when it carries a body, so retries can replay it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var resp *http.Response

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			// Transport errors are not retried: the context may be done or
			// the connection state unknown.
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategy(resp.StatusCode)
		lastErr = &StatusError{StatusCode: resp.StatusCode}

		if strategy == NoRetry || attempt >= c.maxRetries {
			return resp, lastErr
		}

		delay := c.retryDelay(strategy, attempt, resp)
		if delay <= 0 {
			return resp, lastErr
		}

		resp.Body.Close()
		slog.Debug("retrying HTTP request",
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

	return resp, lastErr
}

func (c *Client) retryDelay(strategy RetryStrategy, attempt int, resp *http.Response) time.Duration {
	switch strategy {
	case BackoffRetry:
		if after := parseRetryAfter(resp.Header); after > 0 {
			return after
		}
		delay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(delay) * 0.1)
		return delay + jitter
	case QuickRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(1+attempt) * time.Second
	default:
		return 0
	}
}

// PostJSON issues a JSON POST with the given pre-marshaled body and headers.
func (c *Client) PostJSON(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := NewJSONRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}
