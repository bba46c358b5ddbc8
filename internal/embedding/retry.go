package embedding

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff for failed embedding calls.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // initial backoff delay (default 500ms)
	MaxDelay    time.Duration // maximum backoff delay (default 8s)
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// withRetry runs fn until it succeeds, attempts run out, or ctx is done.
// Returns the last error after all attempts.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (result T, attempts int, err error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, attempt + 1, nil
		}

		if attempt < maxAttempts-1 {
			timer := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				var zero T
				return zero, attempt + 1, ctx.Err()
			case <-timer.C:
			}
		}
	}
	var zero T
	return zero, maxAttempts, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int63n(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
