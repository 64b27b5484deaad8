// Package retry runs an operation until it succeeds, fails permanently, or
// exhausts a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// BackoffFunc returns the delay to wait after the given failed attempt
// (1-based).
type BackoffFunc func(attempt int) time.Duration

type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds. Non-retryable errors are returned as-is;
// running out of attempts returns an error wrapping both ErrExhausted and the
// last failure.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	schedule := &schedule{backoff: policy.Backoff}
	attempt := 0
	var lastErr error

	operation := func() (T, error) {
		attempt++
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if policy.Retryable != nil && !policy.Retryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			policy.OnRetry(attempt, err, wait)
		}))
	}

	value, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return value, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return value, ctxErr
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return value, permanent.Unwrap()
	}
	if policy.Retryable != nil && !policy.Retryable(err) {
		return value, err
	}
	if attempt >= attempts && lastErr != nil {
		return value, errors.Join(ErrExhausted, lastErr)
	}
	return value, err
}

// schedule adapts a BackoffFunc to backoff.BackOff.
type schedule struct {
	backoff BackoffFunc
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.backoff == nil {
		return 0
	}
	return s.backoff(s.attempt)
}

func (s *schedule) Reset() {
	s.attempt = 0
}

// ExponentialJitter doubles base per attempt up to max and picks a uniformly
// random delay in [d/2, d].
func ExponentialJitter(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		d := base
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		if max > 0 && d > max {
			d = max
		}
		half := d / 2
		return half + time.Duration(rand.Int64N(int64(half)+1))
	}
}

// Constant always waits d.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}
