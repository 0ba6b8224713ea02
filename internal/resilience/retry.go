package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxJitter = time.Second

// RetryOptions controls Retry. Attempts run sequentially; IsRetryable, when set,
// stops retrying as soon as it returns false.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	IsRetryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryOptions returns a sensible default configuration
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// jitter and sleep are replaced in tests
var (
	jitter = func() time.Duration {
		return time.Duration(rand.Int64N(int64(maxJitter)))
	}

	sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
)

// Retry runs fn until it succeeds, the attempts are exhausted or the error is not
// retryable. The last error is returned unchanged.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if opts.IsRetryable != nil && !opts.IsRetryable(err) {
			return zero, err
		}

		// Don't wait after the last attempt
		if attempt == attempts {
			break
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay, jitter())
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Backoff returns min(base * 2^(attempt-1) + jitter, max) for a 1-based attempt
func Backoff(attempt int, base, max time.Duration, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base)*math.Pow(2, float64(attempt-1)) + float64(jitter)
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
