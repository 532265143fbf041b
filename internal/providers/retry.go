package providers

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls RetryDo. Zero values fall back to the defaults.
type RetryConfig struct {
	Attempts   int
	MinDelayMs int64
	MaxDelayMs int64
	Jitter     float64

	// ShouldRetry overrides the default IsRetryable classification.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the standard policy: 3 attempts, 300ms base
// delay doubling up to 30s, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   3,
		MinDelayMs: 300,
		MaxDelayMs: 30000,
		Jitter:     0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.MinDelayMs <= 0 {
		c.MinDelayMs = d.MinDelayMs
	}
	if c.MaxDelayMs <= 0 {
		c.MaxDelayMs = d.MaxDelayMs
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// RetryDo runs fn up to cfg.Attempts times, backing off exponentially
// between failures. Cancellation and non-retryable errors are returned
// immediately. fn must be safe to call repeatedly.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsAbort(err) {
			return zero, err
		}
		retryable := IsRetryable(err)
		if cfg.ShouldRetry != nil {
			retryable = cfg.ShouldRetry(err, attempt)
		}
		if !retryable || attempt == cfg.Attempts {
			return zero, lastErr
		}

		delay := backoffDelay(cfg, attempt, RetryAfterOf(err), rand.Float64()*2-1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		if err := sleepContext(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoffDelay computes the sleep after a failed attempt. The base doubles
// per attempt and a server-requested Retry-After replaces it when larger.
// unit is a jitter sample in [-1, 1]; the result is clamped to
// [MinDelayMs, MaxDelayMs].
func backoffDelay(cfg RetryConfig, attempt int, retryAfter time.Duration, unit float64) time.Duration {
	base := float64(cfg.MinDelayMs) * math.Pow(2, float64(attempt-1))
	base = math.Min(math.Max(base, float64(cfg.MinDelayMs)), float64(cfg.MaxDelayMs))
	if ra := float64(retryAfter / time.Millisecond); ra > base {
		base = ra
	}
	jittered := base * (1 + cfg.Jitter*unit)
	jittered = math.Min(math.Max(jittered, float64(cfg.MinDelayMs)), float64(cfg.MaxDelayMs))
	return time.Duration(jittered) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
