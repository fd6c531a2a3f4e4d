package extraction

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64 // 0.0 to 1.0 — fraction of delay added as random slack
}

// DefaultServiceRetryConfig is tuned for the extraction service's transient
// errors: 1 initial attempt plus 3 retries.
var DefaultServiceRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialDelay:   500 * time.Millisecond,
	MaxDelay:       10 * time.Second,
	BackoffFactor:  2.0,
	JitterFraction: 0.2,
}

// DefaultFetchRetryConfig covers transient object-download failures.
var DefaultFetchRetryConfig = RetryConfig{
	MaxRetries:    2,
	InitialDelay:  300 * time.Millisecond,
	MaxDelay:      3 * time.Second,
	BackoffFactor: 2.0,
}

// Retryable is implemented by errors that know whether a later attempt
// could succeed.
type Retryable interface {
	IsRetryable() bool
}

// sleepFn waits out a backoff delay; tests swap it to observe the delays
// without sleeping.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// WithRetry executes fn with exponential backoff. Jitter is additive only,
// so successive delays never decrease. It stops on a non-retryable error,
// context cancellation, or exhausted retries.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var lastErr error
	var zero T

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var r Retryable
		if errors.As(err, &r) && !r.IsRetryable() {
			return zero, err
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
		if delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
		if cfg.JitterFraction > 0 {
			delay += delay * cfg.JitterFraction * rand.Float64()
		}

		if err := sleepFn(ctx, time.Duration(delay)); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}
