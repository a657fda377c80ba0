package migrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/steveyegge/wimigrate/internal/types"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in flight.
	ErrAlreadyRunning = errors.New("migration already running")

	// ErrInvalidTransition is returned when a control request does not apply
	// to the current state, such as Resume on a running migration.
	ErrInvalidTransition = errors.New("invalid control transition")

	// ErrCancelled is returned by Start when the run stopped on request.
	ErrCancelled = errors.New("migration cancelled")
)

// controller owns the run's ControlState. Transitions are compare-and-swap;
// every successful transition closes the current wake channel so goroutines
// parked in wait re-read the state.
type controller struct {
	state atomic.Int32

	mu   sync.Mutex
	wake chan struct{}
}

func newController() *controller {
	return &controller{wake: make(chan struct{})}
}

func (c *controller) load() types.ControlState {
	return types.ControlState(c.state.Load())
}

func (c *controller) cas(from, to types.ControlState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.broadcast()
	return true
}

// set stores a terminal state unconditionally.
func (c *controller) set(to types.ControlState) {
	c.state.Store(int32(to))
	c.broadcast()
}

func (c *controller) broadcast() {
	c.mu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

func (c *controller) waitCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake
}

// begin moves an idle or finished controller to Running.
func (c *controller) begin() error {
	for {
		s := c.load()
		if s != types.StateIdle && !s.IsTerminal() {
			return ErrAlreadyRunning
		}
		if c.cas(s, types.StateRunning) {
			return nil
		}
	}
}

func (c *controller) pause() error {
	if c.cas(types.StateRunning, types.StatePaused) {
		return nil
	}
	return ErrInvalidTransition
}

func (c *controller) resume() error {
	if c.cas(types.StatePaused, types.StateRunning) {
		return nil
	}
	return ErrInvalidTransition
}

func (c *controller) cancel() error {
	for {
		s := c.load()
		if s == types.StateCancelRequested {
			return nil
		}
		if s != types.StateRunning && s != types.StatePaused {
			return ErrInvalidTransition
		}
		if c.cas(s, types.StateCancelRequested) {
			return nil
		}
	}
}

// wait blocks while the run is paused and returns the first non-paused
// state, or the paused state if ctx ends first.
func (c *controller) wait(ctx context.Context) types.ControlState {
	for {
		ch := c.waitCh()
		s := c.load()
		if s != types.StatePaused {
			return s
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s
		}
	}
}
