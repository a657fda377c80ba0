package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs how connector calls are retried. Only transient errors
// are retried; everything else returns on the first attempt.
type RetryPolicy struct {
	MaxAttempts     int           // Total attempts including the first (default 5)
	InitialInterval time.Duration // First backoff delay (default 500ms)
	MaxInterval     time.Duration // Cap on a single delay (default 30s)
	Multiplier      float64       // Growth factor between delays (default 2)
	Timeout         time.Duration // Per-attempt deadline; zero means none

	Logger *slog.Logger
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Timeout:         60 * time.Second,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Do runs fn until it succeeds, returns a non-transient error, the attempt
// budget is spent, or ctx is done. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = 0

	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(expo, uint64(p.MaxAttempts-1))}
	b := backoff.WithContext(hinted, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		hinted.hint = RetryAfter(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.Logger.Debug("retrying after transient error",
			"op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	return backoff.RetryNotify(operation, b, notify)
}

// retryAfterBackOff stretches the next delay to a server-provided hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (r *retryAfterBackOff) NextBackOff() time.Duration {
	next := r.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if r.hint > next {
		next = r.hint
	}
	r.hint = 0
	return next
}
