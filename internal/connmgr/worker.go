package connmgr

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Role distinguishes the two kinds of connection worker.
type Role int

const (
	RoleListening Role = iota + 1
	RoleConnecting
)

func (r Role) String() string {
	switch r {
	case RoleListening:
		return "listening"
	case RoleConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// State is a worker lifecycle state.
//
// Listening role:  idle -> listening -> accepted -> streaming -> closed
// Connecting role: idle -> connecting -> connected -> streaming -> closed
//
// closed is reachable from every state, through Cancel or an I/O failure.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateAccepted
	StateConnected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultReadBufferSize bounds a single DataReceived payload.
const DefaultReadBufferSize = 1024

// Option configures a worker or a Supervisor.
type Option func(*options)

type options struct {
	log      logrus.FieldLogger
	readSize int
}

// WithLogger sets the logger. Workers add role, worker and peer fields.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithReadBufferSize sets the read buffer size of the streaming loop.
func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{readSize: DefaultReadBufferSize}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = discardLogger()
	}
	return o
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// worker holds what both roles share: the state machine, the cancellation
// path and the streaming loops.
//
// Cancellation never relies on the flag alone. Every handle the run goroutine
// may be blocked on is registered with attach, and Cancel interrupts all of
// them so the pending accept, connect, read or write fails immediately. The
// handles are closed for good on the worker goroutine, in finish.
//
// The worker owns all stream I/O: the run goroutine reads and a writer
// goroutine drains the outbox that Send fills.
type worker struct {
	id    uuid.UUID
	role  Role
	relay *Relay
	log   logrus.FieldLogger

	readSize int

	ctx  context.Context
	stop context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool

	mu      sync.Mutex
	handles []io.Closer
	stream  Stream
	peer    Peer

	outbox   outbox
	writeErr error
	writer   sync.WaitGroup

	startOnce sync.Once
	failOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newWorker(role Role, relay *Relay, o options) *worker {
	ctx, stop := context.WithCancel(context.Background())
	id := uuid.New()
	return &worker{
		id:       id,
		role:     role,
		relay:    relay,
		log:      o.log.WithFields(logrus.Fields{"role": role.String(), "worker": id.String()}),
		readSize: o.readSize,
		ctx:      ctx,
		stop:     stop,
		outbox:   outbox{ready: make(chan struct{}, 1)},
		done:     make(chan struct{}),
	}
}

// ID identifies the worker on every event it posts.
func (w *worker) ID() uuid.UUID { return w.id }

// Role returns the worker's role.
func (w *worker) Role() Role { return w.role }

// State returns the current lifecycle state.
func (w *worker) State() State { return State(w.state.Load()) }

// Peer returns the remote peer once known.
func (w *worker) Peer() Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peer
}

// Done is closed once the worker goroutine has exited and Closed was posted.
func (w *worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the worker has fully terminated or ctx is done.
func (w *worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) start(run func()) {
	w.startOnce.Do(func() {
		go func() {
			defer w.finish()
			run()
		}()
	})
}

// Cancel terminates the worker from any state. It is safe to call from any
// goroutine, any number of times, and neither waits nor does radio I/O; use
// Wait to block until the worker is gone.
func (w *worker) Cancel() {
	if !w.cancelled.CompareAndSwap(false, true) {
		return
	}
	w.log.Debug("cancel")
	w.stop()
	w.interrupt()
	// Never started: nothing else will post Closed.
	w.startOnce.Do(w.finish)
}

// Send queues p for the peer and returns without waiting for the write. It
// fails with ErrNotStreaming outside Streaming. A write failure is reported
// as a stream Error event and is terminal for the worker.
func (w *worker) Send(p []byte) error {
	w.mu.Lock()
	s := w.stream
	w.mu.Unlock()
	if s == nil || w.State() != StateStreaming {
		return ErrNotStreaming
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.outbox.push(buf)
	return nil
}

func (w *worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	w.log.Debugf("state %s -> %s", prev, s)
}

// enter moves to s unless the worker was cancelled first.
func (w *worker) enter(s State) bool {
	if w.cancelled.Load() {
		return false
	}
	w.setState(s)
	return true
}

// attach registers a handle to be closed by Cancel. It returns false, and the
// caller must close c itself, if the worker was already cancelled.
func (w *worker) attach(c io.Closer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled.Load() {
		return false
	}
	w.handles = append(w.handles, c)
	return true
}

// interrupt makes blocked I/O on every attached handle fail without waiting
// on the radio stack. Handles that are not Interrupters are closed outright.
func (w *worker) interrupt() {
	w.mu.Lock()
	handles := append([]io.Closer(nil), w.handles...)
	w.mu.Unlock()
	for i := len(handles) - 1; i >= 0; i-- {
		if in, ok := handles[i].(Interrupter); ok {
			in.Interrupt()
			continue
		}
		if err := handles[i].Close(); err != nil {
			w.log.WithError(err).Debug("interrupt handle")
		}
	}
}

// release closes every attached handle. Blocked I/O on them fails.
func (w *worker) release() {
	w.mu.Lock()
	handles := w.handles
	w.handles = nil
	w.mu.Unlock()
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Close(); err != nil {
			w.log.WithError(err).Debug("close handle")
		}
	}
}

func (w *worker) post(ev Event) {
	ev.Role = w.role
	ev.Worker = w.id
	if ev.Peer.ID() == "" {
		ev.Peer = w.Peer()
	}
	if !w.relay.Post(ev) {
		w.log.Debugf("relay closed, dropped %s", ev.Kind)
	}
}

// fail reports the terminal failure. Only the first call posts, and nothing is
// posted when the failure is the result of Cancel.
func (w *worker) fail(kind ErrorKind, op string, err error) {
	w.failOnce.Do(func() {
		if w.cancelled.Load() {
			w.log.WithError(err).Debugf("%s aborted by cancel", op)
			return
		}
		w.log.WithError(err).Warnf("%s failed", op)
		w.post(Event{Kind: EventError, Err: &Error{Kind: kind, Op: op, Err: err}})
	})
}

func (w *worker) finish() {
	w.closeOnce.Do(func() {
		w.stop()
		w.release()
		w.writer.Wait()
		w.setState(StateClosed)
		w.post(Event{Kind: EventClosed})
		close(w.done)
	})
}

// serve owns s until the worker terminates and posts one DataReceived per read.
// announce is posted once s is writable, so a consumer reacting to it can Send.
//
// Every event of a streaming worker is posted from this goroutine, so a write
// failure is reported after the data read before it.
func (w *worker) serve(s Stream, p Peer, announce Event) {
	w.mu.Lock()
	if w.cancelled.Load() {
		w.mu.Unlock()
		_ = s.Close()
		return
	}
	w.handles = append(w.handles, s)
	w.stream = s
	if p.ID() != "" {
		w.peer = p
	}
	w.mu.Unlock()

	w.writer.Add(1)
	go w.writeLoop(s)

	w.setState(StateStreaming)
	w.post(announce)

	buf := make([]byte, w.readSize)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			w.post(Event{Kind: EventDataReceived, Payload: payload})
		}
		if err != nil {
			if werr := w.writeFailure(); werr != nil {
				w.fail(KindStream, "write", werr)
			} else {
				w.fail(KindStream, "read", err)
			}
			return
		}
	}
}

// writeLoop drains the outbox into s until the worker stops. A failed write
// is recorded and the stream interrupted; the read loop then reports it.
func (w *worker) writeLoop(s Stream) {
	defer w.writer.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.outbox.ready:
		}
		for {
			p, ok := w.outbox.pop()
			if !ok {
				break
			}
			if _, err := s.Write(p); err != nil {
				w.mu.Lock()
				w.writeErr = err
				w.mu.Unlock()
				w.interrupt()
				return
			}
		}
	}
}

func (w *worker) writeFailure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

// outbox is the unbounded queue between Send and the writer goroutine.
type outbox struct {
	mu      sync.Mutex
	pending [][]byte
	ready   chan struct{}
}

func (o *outbox) push(p []byte) {
	o.mu.Lock()
	o.pending = append(o.pending, p)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil, false
	}
	p := o.pending[0]
	o.pending[0] = nil
	o.pending = o.pending[1:]
	return p, true
}
