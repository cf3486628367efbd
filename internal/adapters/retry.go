package adapters

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/omc-payops/nvc-reconciler/internal/errs"
)

// RetryPolicy parameterizes the exponential backoff of §4.5/§9: base
// delay, growth factor, and a hard cap on attempts, bounded by the
// caller's deadline (the sync cycle deadline of §5).
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts uint64
}

// DefaultRetryPolicy returns the §4.5 defaults: base 1s, factor 2, max
// 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, Factor: 2, MaxAttempts: 3}
}

// WithRetry wraps a transport call with the backoff policy. Only
// errs.SourceUnavailable is retried (connection reset, timeout, 5xx);
// any other error (including errs.SourceMalformed) returns immediately.
// If ctx's deadline would be exceeded by the next retry, it surfaces as
// SourceUnavailable immediately rather than sleeping past the cycle
// deadline (§9 "Retries with cancellation").
func WithRetry(ctx context.Context, source string, policy RetryPolicy, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = policy.Factor
	b.MaxElapsedTime = 0 // bounded by ctx instead of wall-clock cap

	bounded := backoff.WithMaxRetries(b, policy.MaxAttempts-1)
	bounded2 := backoff.WithContext(deadlineBackOff{BackOff: bounded, ctx: ctx}, ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errs.Retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, bounded2)

	if err != nil {
		if ctx.Err() != nil {
			return errs.New(errs.SourceUnavailable, source, "retry budget exceeded before cycle deadline", ctx.Err())
		}
		return err
	}
	return nil
}

// deadlineBackOff stops the retry loop when the next delay would end
// after ctx's deadline, so the last error is returned without waiting.
type deadlineBackOff struct {
	backoff.BackOff
	ctx context.Context
}

func (d deadlineBackOff) NextBackOff() time.Duration {
	next := d.BackOff.NextBackOff()
	if deadline, ok := d.ctx.Deadline(); ok && next != backoff.Stop && time.Now().Add(next).After(deadline) {
		return backoff.Stop
	}
	return next
}
