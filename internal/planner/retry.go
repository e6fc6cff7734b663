package planner

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/plangraph/pkg/schema"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how idempotent reads are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  string
}

// DefaultRetryPolicy retries reads three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Delay:    200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		Backoff:  BackoffExponential,
	}
}

// WithRetry retries GET requests that fail with a retryable error.
// Writes are never retried.
func WithRetry(p RetryPolicy) HTTPOption {
	return func(h *HTTPClient) { h.retry = p }
}

// IsRetryable reports whether a failed request may succeed if repeated:
// transport failures without a response, and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *schema.PlanError
	if !errors.As(err, &pe) {
		return true
	}
	if pe.Code != schema.ErrCodeTransport {
		return false
	}
	status, ok := pe.Details["status"].(int)
	return !ok || status >= 500
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay << attempt
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
