package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// UnlimitedAttempts disables the attempt bound of a [RetryPolicy]; the call is
// then bounded only by its context.
const UnlimitedAttempts = -1

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Default: 3. Use [UnlimitedAttempts] to retry until ctx is done.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry. Default: 2.
	Multiplier float64

	// Jitter randomises each delay by ±Jitter×delay. Zero disables jitter;
	// negative values are treated as zero.
	Jitter float64

	// RetryIf decides whether an error is worth another attempt. Default:
	// [IsRetryable].
	RetryIf func(error) bool

	// OnRetry, if set, is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultRetryPolicy returns the policy used for vendor HTTP calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		RetryIf:        IsRetryable,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.RetryIf == nil {
		p.RetryIf = IsRetryable
	}
	return p
}

// BackOff returns a fresh exponential schedule for the policy. Without jitter
// the delays are InitialBackoff, ×Multiplier, ... capped at MaxBackoff.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Retry runs op until it succeeds, RetryIf rejects its error, the attempt
// bound is reached, or ctx is done. Cancellation is never retried. The last
// error from op is returned unwrapped; if ctx ends during a sleep the context
// error is returned instead.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	tries := uint(0)
	if p.MaxAttempts > 0 {
		tries = uint(p.MaxAttempts)
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, next)
			}
		}),
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || !p.RetryIf(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
