package tracker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottleBoundsConcurrency(t *testing.T) {
	th := NewThrottle(2)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Do(context.Background(), func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestThrottleSharedCoolDown(t *testing.T) {
	th := NewThrottle(4)
	throttled := &Error{Kind: KindTransient, Status: http.StatusTooManyRequests, Retry: 30 * time.Millisecond}

	_ = th.Do(context.Background(), func(context.Context) error { return throttled })
	if th.Remaining() <= 0 {
		t.Fatal("expected a cool-down after a 429")
	}

	start := time.Now()
	_ = th.Do(context.Background(), func(context.Context) error { return nil })
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("second caller waited %v, want the cool-down", waited)
	}
}

func TestThrottleCoolDownRespectsContext(t *testing.T) {
	th := NewThrottle(1)
	th.CoolDown(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := th.Do(ctx, func(context.Context) error {
		t.Error("fn ran during cool-down")
		return nil
	})
	if err == nil {
		t.Error("Do() should return the context error")
	}
}

func TestNilThrottle(t *testing.T) {
	var th *Throttle
	ran := false
	if err := th.Do(context.Background(), func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("nil throttle did not run fn")
	}
}
