package tracker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultCoolDown applies when the target throttles without a Retry-After.
const defaultCoolDown = 5 * time.Second

// Throttle bounds concurrent requests to a tracker and makes every worker
// back off together when the tracker signals throttling. A nil *Throttle is
// valid and imposes no limit.
type Throttle struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	until time.Time // Shared cool-down deadline
	now   func() time.Time
}

// NewThrottle allows at most limit requests in flight.
func NewThrottle(limit int) *Throttle {
	if limit <= 0 {
		limit = 1
	}
	return &Throttle{sem: semaphore.NewWeighted(int64(limit)), now: time.Now}
}

// Do runs fn inside a slot. A throttling error from fn starts a shared
// cool-down that every subsequent caller waits out.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}
	if err := t.wait(ctx); err != nil {
		return err
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	err := fn(ctx)
	if err != nil && isThrottled(err) {
		wait := RetryAfter(err)
		if wait <= 0 {
			wait = defaultCoolDown
		}
		t.CoolDown(wait)
	}
	return err
}

// CoolDown pushes the shared deadline at least d into the future.
func (t *Throttle) CoolDown(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline := t.now().Add(d); deadline.After(t.until) {
		t.until = deadline
	}
}

// Remaining reports how long callers currently have to wait.
func (t *Throttle) Remaining() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.until.Sub(t.now())
}

func (t *Throttle) wait(ctx context.Context) error {
	for {
		d := t.Remaining()
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isThrottled(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Status == http.StatusTooManyRequests || (te.Kind == KindTransient && te.Retry > 0)
}
