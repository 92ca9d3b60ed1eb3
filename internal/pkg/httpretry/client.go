// Package httpretry provides an HTTP client with automatic retry logic,
// exponential backoff, and jitter for calls to the channel provider and
// the attribute collaborator.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/campaign-notifier/internal/pkg/backoff"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultRetryableStatuses are retried unless overridden with WithStatuses.
var DefaultRetryableStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryClient wraps an HTTPDoer with retry logic using exponential backoff and jitter.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	policy     backoff.Exponential
	retryable  map[int]bool
}

// Option customises a RetryClient.
type Option func(*RetryClient)

// WithStatuses replaces the set of status codes that trigger a retry.
func WithStatuses(codes ...int) Option {
	return func(rc *RetryClient) {
		rc.retryable = make(map[int]bool, len(codes))
		for _, c := range codes {
			rc.retryable[c] = true
		}
	}
}

// WithBackoff overrides the base and maximum delay.
func WithBackoff(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		rc.policy.Base = base
		rc.policy.Max = max
	}
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
// maxRetries is the number of retry attempts after the initial request (default 3).
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		policy: backoff.Exponential{
			Base:   1 * time.Second,
			Max:    30 * time.Second,
			Jitter: true,
			Floor:  100 * time.Millisecond,
		},
	}
	WithStatuses(DefaultRetryableStatuses...)(rc)
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Do executes the HTTP request with retry logic.
// Retryable status codes and transient network errors are retried; client
// errors and context cancellation are not. On the final attempt the
// response is returned as-is so the caller can inspect status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.policy.Delay(attempt)
			log.Printf("httpretry: retry attempt %d/%d for %s %s%s (waiting %s)",
				attempt, rc.maxRetries, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !rc.retryable[resp.StatusCode] {
			return resp, nil
		}

		if attempt == rc.maxRetries {
			return resp, nil
		}

		// Drain for connection reuse before the next attempt.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}
