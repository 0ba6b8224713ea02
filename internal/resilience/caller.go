package resilience

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
)

// Caller composes retries around a circuit breaker for every outbound integration
type Caller struct {
	breakers *Registry
	retry    RetryOptions
	timeout  time.Duration
}

// NewCaller creates a caller. callTimeout bounds each individual attempt; zero disables it.
func NewCaller(breakers *Registry, retry RetryOptions, callTimeout time.Duration) *Caller {
	return &Caller{
		breakers: breakers,
		retry:    retry,
		timeout:  callTimeout,
	}
}

// Breakers returns the registry backing the caller
func (c *Caller) Breakers() *Registry {
	return c.breakers
}

type callOptions struct {
	retry   RetryOptions
	timeout time.Duration
}

// CallOption adjusts a single Call
type CallOption func(*callOptions)

// WithMaxAttempts overrides the attempt count
func WithMaxAttempts(n int) CallOption {
	return func(o *callOptions) { o.retry.MaxAttempts = n }
}

// WithRetryable overrides the retryability predicate
func WithRetryable(fn func(error) bool) CallOption {
	return func(o *callOptions) { o.retry.IsRetryable = fn }
}

// WithAttemptTimeout overrides the per-attempt timeout, zero disables it
func WithAttemptTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call runs fn for service through the service's breaker with retries. Any failure
// is returned as a ServiceUnavailable AppError carrying the service name and the
// final error's message.
func Call[T any](ctx context.Context, c *Caller, service string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	o := callOptions{retry: c.retry, timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry.IsRetryable == nil {
		o.retry.IsRetryable = DefaultIsRetryable
	}
	o.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RetryAttempts.WithLabelValues(service).Inc()
		logger.Ctx(ctx).Debug().Err(err).
			Str("service", service).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying call")
	}

	breaker := c.breakers.Get(service)

	result, err := Retry(ctx, o.retry, func(ctx context.Context) (T, error) {
		var out T
		err := breaker.Execute(func() error {
			attemptCtx := ctx
			if o.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, o.timeout)
				defer cancel()
			}

			v, err := fn(attemptCtx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		return out, err
	})
	if err != nil {
		var zero T
		return zero, apperrors.ServiceUnavailable(service, messageOf(err))
	}

	return result, nil
}

// DefaultIsRetryable retries everything except caller cancellation and errors
// caused by the request itself.
func DefaultIsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperrors.IsClientError(err)
}

func messageOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
