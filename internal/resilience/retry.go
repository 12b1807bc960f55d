package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/emberworks/hearth/internal/fault"
)

// RetryPolicy re-attempts transient failures with exponential backoff and
// jitter. Only errors accepted by the retryable predicate are re-attempted;
// permission, validation, and quota failures are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt cap including the first call. Default: 3.
	MaxAttempts int

	// BaseDelay is the initial backoff delay. Default: 1s.
	BaseDelay time.Duration

	// Multiplier scales the delay each attempt. Default: 2.0.
	Multiplier float64

	// Jitter is the randomization factor applied to each delay (0.2 = ±20%).
	// Default: 0.2.
	Jitter float64

	// Retryable decides whether an error may be re-attempted. When nil, the
	// default predicate accepts the transient fault kinds (model timeout,
	// model unavailable, timeout) and rejects everything else.
	Retryable func(error) bool
}

// DefaultRetryable is the predicate used when [RetryPolicy.Retryable] is nil.
// It accepts the transient fault kinds and rejects denials outright. An open
// circuit is treated as permanent here: the breaker cooldown is far longer
// than any backoff schedule, so re-attempting within one call would burn the
// attempt budget on guaranteed rejections.
func DefaultRetryable(err error) bool {
	if fault.IsKind(err, fault.KindCircuitOpen) {
		return false
	}
	return fault.As(err).Retryable()
}

// normalized returns p with zero fields replaced by the documented defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}

// Do runs fn up to MaxAttempts times, sleeping between attempts per the
// backoff schedule. A non-retryable error aborts immediately. Context
// cancellation aborts the wait and surfaces as a timeout fault.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is the result-returning variant of [RetryPolicy.Do]. This is a
// package-level function because Go does not support method-level type
// parameters.
func DoWithResult[R any](ctx context.Context, p RetryPolicy, fn func() (R, error)) (R, error) {
	p = p.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.Reset()

	operation := func() (R, error) {
		res, err := fn()
		if err != nil && !p.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err != nil && ctx.Err() != nil {
		return res, fault.Wrap(fault.KindTimeout, "request timed out", err).
			WithHint("retry with a smaller request")
	}
	return res, err
}

// WithTimeout runs fn under a deadline. Exceeding it cancels the in-flight
// operation and fails with a timeout fault.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fault.Wrap(fault.KindTimeout, "operation timed out", callCtx.Err()).
			WithHint("retry later")
	}
}
