package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures how failed dispatch jobs are retried.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration // 0 means unbounded

	// BackoffFactor multiplies the backoff after each failed attempt.
	BackoffFactor float64

	// Jitter spreads each wait by up to ±Jitter of its length (0.0-1.0).
	Jitter float64

	// RetryableFunc overrides IsRetryable.
	RetryableFunc func(error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry is the standard retry configuration for dispatch jobs.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{MaxAttempts: 1}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) retryable(err error) bool {
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	return IsRetryable(err)
}

// next returns the backoff following current.
func (c RetryConfig) next(current time.Duration) time.Duration {
	n := time.Duration(float64(current) * c.BackoffFactor)
	if c.MaxBackoff > 0 && n > c.MaxBackoff {
		return c.MaxBackoff
	}
	return n
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	// Value is the last value fn returned, even when it failed.
	Value T

	// Err is nil on success. Otherwise it is categorized: permanent when a
	// non-retryable error or cancellation stopped the loop, transient when
	// the attempts ran out.
	Err error

	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns a non-retryable
// error, runs out of attempts or ctx is done.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	var res RetryResult[T]
	finish := func(err error) RetryResult[T] {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	backoff := cfg.InitialBackoff
	limit := cfg.attempts()
	for res.Attempts < limit {
		if err := ctx.Err(); err != nil {
			return finish(Permanent(err, "context cancelled"))
		}

		value, err := fn(ctx)
		res.Attempts++
		res.Value = value
		if err == nil {
			return finish(nil)
		}
		if !cfg.retryable(err) {
			return finish(&CategorizedError{Err: err, Cat: CategoryPermanent, Retries: res.Attempts})
		}
		if res.Attempts == limit {
			return finish(&CategorizedError{
				Err:     err,
				Cat:     CategoryTransient,
				Retries: res.Attempts,
				Context: "max retries exceeded",
			})
		}

		wait := withJitter(backoff, cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(res.Attempts, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(Permanent(ctx.Err(), "context cancelled during backoff"))
		case <-timer.C:
		}
		backoff = cfg.next(backoff)
	}
	return finish(nil)
}

func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	return base + time.Duration(float64(base)*jitter*(rand.Float64()*2-1))
}
