package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventDataReceived carries one successful read.
	EventDataReceived EventKind = iota + 1
	// EventError carries the single terminal failure of a worker.
	EventError
	// EventPeerConnected is posted when a connecting worker reached the server.
	EventPeerConnected
	// EventClientAccepted is posted when a listening worker accepted a client.
	EventClientAccepted
	// EventClosed is posted exactly once per worker, last.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventDataReceived:
		return "data"
	case EventError:
		return "error"
	case EventPeerConnected:
		return "peer-connected"
	case EventClientAccepted:
		return "client-accepted"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one notification from a worker to the consumer.
type Event struct {
	Kind    EventKind
	Role    Role
	Worker  uuid.UUID
	Peer    Peer
	Payload []byte
	Err     error
	Seq     uint64
}

// Message is the human readable text of an EventError.
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e Event) String() string {
	switch e.Kind {
	case EventDataReceived:
		return fmt.Sprintf("%s %s: %d bytes", e.Role, e.Kind, len(e.Payload))
	case EventError:
		return fmt.Sprintf("%s %s: %s", e.Role, e.Kind, e.Message())
	default:
		return fmt.Sprintf("%s %s", e.Role, e.Kind)
	}
}

// Relay is an unbounded FIFO from any number of posting goroutines to a single
// consumer. Post never blocks. Once closed, pending and later events are dropped.
type Relay struct {
	mu     sync.Mutex
	queue  []Event
	seq    uint64
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewRelay returns an open relay.
func NewRelay() *Relay {
	return &Relay{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Post enqueues ev and reports whether it was accepted.
func (r *Relay) Post(ev Event) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.seq++
	ev.Seq = r.seq
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready fires when events may be pending. Drain with TryNext after it fires;
// a single signal can stand for several events.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// TryNext pops the oldest pending event without blocking.
func (r *Relay) TryNext() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.queue) == 0 {
		return Event{}, false
	}
	ev := r.queue[0]
	r.queue[0] = Event{}
	r.queue = r.queue[1:]
	return ev, true
}

// Next blocks until an event is pending, ctx is done, or the relay is closed.
func (r *Relay) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := r.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-r.done:
			return Event{}, ErrRelayClosed
		case <-r.ready:
		}
	}
}

// Run hands events to fn one at a time, in post order, until ctx is done or the
// relay is closed.
func (r *Relay) Run(ctx context.Context, fn func(Event)) error {
	for {
		ev, err := r.Next(ctx)
		if err != nil {
			return err
		}
		fn(ev)
	}
}

// Len returns the number of pending events.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close discards pending events and rejects later posts. It is idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.queue = nil
	close(r.done)
}
