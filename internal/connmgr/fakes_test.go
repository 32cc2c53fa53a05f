package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeLink hands out net.Pipe streams. The test keeps the remote ends.
type fakeLink struct {
	mu        sync.Mutex
	active    int
	maxActive int
	listenErr error
	dialErr   error
	dialHang  bool
	// closeGate, when set, holds every listener Close until it is closed,
	// like a slow service unregistration.
	closeGate chan struct{}

	listened chan *fakeListener
	dialed   chan net.Conn
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		listened: make(chan *fakeListener, 8),
		dialed:   make(chan net.Conn, 8),
	}
}

func (f *fakeLink) Listen(ctx context.Context, svc Service) (Listener, error) {
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	l := &fakeListener{
		link:     f,
		incoming: make(chan Stream, 1),
		closed:   make(chan struct{}),
		released: make(chan struct{}),
	}
	f.listened <- l
	return l, nil
}

func (f *fakeLink) Dial(ctx context.Context, peer Peer, svc Service) (Stream, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if f.dialHang {
		<-ctx.Done()
		return nil, fmt.Errorf("fake: connect canceled: %w", ctx.Err())
	}
	local, remote := net.Pipe()
	f.dialed <- remote
	return local, nil
}

func (f *fakeLink) maxConcurrentListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fakeListener struct {
	link          *fakeLink
	incoming      chan Stream
	interruptOnce sync.Once
	closed        chan struct{}
	releaseOnce   sync.Once
	released      chan struct{}
}

func (l *fakeListener) Accept(ctx context.Context) (Stream, Peer, error) {
	select {
	case <-ctx.Done():
		return nil, Peer{}, ctx.Err()
	case <-l.closed:
		return nil, Peer{}, errors.New("fake: listener closed")
	case c := <-l.incoming:
		return c, Peer{Address: "11:22:33:44:55:66", Name: "remote"}, nil
	}
}

func (l *fakeListener) Interrupt() {
	l.interruptOnce.Do(func() { close(l.closed) })
}

func (l *fakeListener) Close() error {
	l.Interrupt()
	if l.link.closeGate != nil {
		<-l.link.closeGate
	}
	l.releaseOnce.Do(func() {
		l.link.mu.Lock()
		l.link.active--
		l.link.mu.Unlock()
		close(l.released)
	})
	return nil
}

// isClosed reports whether Accept was unblocked.
func (l *fakeListener) isClosed() bool {
	return isDone(l.closed)
}

// isReleased reports whether Close ran to completion.
func (l *fakeListener) isReleased() bool {
	return isDone(l.released)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// connect plays the remote client and returns its end of the stream.
func (l *fakeListener) connect() net.Conn {
	local, remote := net.Pipe()
	l.incoming <- local
	return remote
}

// accept hands s to the listening worker as the accepted stream.
func (l *fakeListener) accept(s Stream) {
	l.incoming <- s
}

// failingWriter reads like its pipe but fails every write.
type failingWriter struct {
	net.Conn
	err error
}

func (f *failingWriter) Write([]byte) (int, error) { return 0, f.err }

func waitListener(t *testing.T, f *fakeLink) *fakeListener {
	t.Helper()
	select {
	case l := <-f.listened:
		return l
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Listen")
		return nil
	}
}

func waitDialed(t *testing.T, f *fakeLink) net.Conn {
	t.Helper()
	select {
	case c := <-f.dialed:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Dial")
		return nil
	}
}

// nextEvent pops one event or fails the test after a second.
func nextEvent(t *testing.T, r *Relay) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := r.Next(ctx)
	require.NoError(t, err, "waiting for relay event")
	return ev
}

// drain returns every event pending right now.
func drain(r *Relay) []Event {
	var out []Event
	for {
		ev, ok := r.TryNext()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func waitDone(t *testing.T, w interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx), "worker did not terminate")
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

type fakeRadio struct {
	mu         sync.Mutex
	startErr   error
	starts     int
	stops      int
	paired     []Peer
	bonded     []Peer
	events     chan AdapterEvent
	discovered bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{events: make(chan AdapterEvent, 16)}
}

func (r *fakeRadio) PowerOn(ctx context.Context) error { return nil }

func (r *fakeRadio) StartDiscovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return r.startErr
	}
	r.discovered = true
	return nil
}

func (r *fakeRadio) StopDiscovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.discovered = false
	return nil
}

func (r *fakeRadio) PairedPeers(ctx context.Context) ([]Peer, error) {
	return r.paired, nil
}

func (r *fakeRadio) RequestBonding(ctx context.Context, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonded = append(r.bonded, p)
	return nil
}

func (r *fakeRadio) SetDiscoverable(ctx context.Context, on bool) error { return nil }

func (r *fakeRadio) Events() <-chan AdapterEvent { return r.events }
