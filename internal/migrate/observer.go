package migrate

import (
	"sync"

	"github.com/steveyegge/wimigrate/internal/types"
)

// Observer receives progress snapshots and status lines. Calls are
// serialized and arrive in emission order; implementations must not block
// for long since they run on the engine's goroutines.
type Observer interface {
	OnProgress(p types.MigrationProgress)
	OnStatus(line string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Progress func(types.MigrationProgress)
	Status   func(string)
}

// OnProgress implements Observer.
func (f ObserverFuncs) OnProgress(p types.MigrationProgress) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

// OnStatus implements Observer.
func (f ObserverFuncs) OnStatus(line string) {
	if f.Status != nil {
		f.Status(line)
	}
}

// EventKind distinguishes channel events.
type EventKind int

// Event kinds
const (
	EventProgress EventKind = iota
	EventStatus
)

// Event is one emission delivered by a ChannelObserver.
type Event struct {
	Kind     EventKind
	Progress types.MigrationProgress // Set for EventProgress
	Status   string                  // Set for EventStatus
}

// ChannelObserver queues emissions without bound and delivers them on a
// channel in order. The engine never waits on the reader.
type ChannelObserver struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	out    chan Event
}

// NewChannelObserver starts a delivering observer. Call Close when the run
// is over and read C until it is closed.
func NewChannelObserver() *ChannelObserver {
	o := &ChannelObserver{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go o.pump()
	return o
}

// C returns the event channel. It is closed after Close once every queued
// event has been delivered.
func (o *ChannelObserver) C() <-chan Event {
	return o.out
}

// OnProgress implements Observer.
func (o *ChannelObserver) OnProgress(p types.MigrationProgress) {
	o.push(Event{Kind: EventProgress, Progress: p})
}

// OnStatus implements Observer.
func (o *ChannelObserver) OnStatus(line string) {
	o.push(Event{Kind: EventStatus, Status: line})
}

// Close stops accepting events.
func (o *ChannelObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notify()
}

func (o *ChannelObserver) push(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	o.notify()
}

func (o *ChannelObserver) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *ChannelObserver) pump() {
	defer close(o.out)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.mu.Unlock()
			<-o.signal
			o.mu.Lock()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.out <- ev
	}
}
