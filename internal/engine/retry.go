package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/picklr-io/fleetform/internal/provider"
)

// DefaultTimeout is the default per-call provider timeout.
const DefaultTimeout = 10 * time.Minute

// DefaultRetryMax is the default maximum number of retries for transient errors.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient provider errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithTimeout wraps a context with a per-call timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error, and stops
// waiting as soon as ctx is done.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < policy.MaxRetries {
			delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", errors.Join(lastErr, context.Cause(ctx)))
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// calculateBackoff returns exponential backoff with jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	// Full jitter: random between 0 and backoff
	jitter := rand.Float64() * backoff
	return time.Duration(jitter)
}

// IsTransientError decides whether a provider error is worth retrying.
// Only errors the provider classified as transient, and per-call deadlines,
// are retried; an unclassified error is permanent whatever its message says.
func IsTransientError(err error) bool {
	return provider.IsTransient(err)
}
