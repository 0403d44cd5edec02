package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the jittered exponential backoff applied to
// transient failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff base; the sleep before retry n grows as
	// BaseDelay·2^(n−1) plus jitter.
	BaseDelay time.Duration

	// MaxDelay caps any single sleep.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the retry policy used for embedding calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// BackoffDelay returns the sleep before the retry that follows failed
// attempt number attempt (1-based):
//
//	min(MaxDelay, base·2^(attempt−1) + U(0, 0.5·base·2^(attempt−1)))
//
// The uniform jitter keeps concurrent workers from synchronizing their
// retries against a rate-limited provider.
func (c RetryConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	d := time.Duration(exp + rand.Float64()*0.5*exp)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It sleeps BackoffDelay between attempts and
// honors ctx cancellation during the sleeps. fn should return coded
// errors; anything IsRetryable rejects stops the loop immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.BackoffDelay(attempt)):
		}
	}
	return lastErr
}
