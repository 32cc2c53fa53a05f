package connmgr

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrom(t *testing.T, c net.Conn, n int) <-chan string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(c, buf)
		if err != nil {
			ch <- "error: " + err.Error()
			return
		}
		ch <- string(buf)
	}()
	return ch
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote read")
		return ""
	}
}

func TestListeningWorkerDeliversWritesInOrder(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()

	l := waitListener(t, link)
	remote := l.connect()
	defer remote.Close()

	ev := nextEvent(t, r)
	require.Equal(t, EventClientAccepted, ev.Kind)
	assert.Equal(t, RoleListening, ev.Role)
	assert.Equal(t, w.ID(), ev.Worker)
	assert.Equal(t, "11:22:33:44:55:66", ev.Peer.Address)
	assert.Equal(t, StateStreaming, w.State())

	for _, msg := range []string{"one", "two", "three"} {
		_, err := remote.Write([]byte(msg))
		require.NoError(t, err)
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := nextEvent(t, r)
		require.Equal(t, EventDataReceived, ev.Kind)
		assert.Equal(t, want, string(ev.Payload))
	}

	w.Cancel()
	waitDone(t, w)
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)), "cancel reports no error")
	assert.Equal(t, StateClosed, w.State())
	assert.True(t, l.isClosed())
	assert.True(t, l.isReleased())
}

func TestListeningWorkerSend(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()
	defer w.Cancel()

	remote := waitListener(t, link).connect()
	defer remote.Close()
	require.Equal(t, EventClientAccepted, nextEvent(t, r).Kind)

	got := readFrom(t, remote, 6)
	require.NoError(t, w.Send([]byte("Hello\n")))
	assert.Equal(t, "Hello\n", recv(t, got))
}

func TestListeningWorkerCancelUnblocksAccept(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()

	l := waitListener(t, link)
	require.Eventually(t, func() bool { return w.State() == StateListening }, time.Second, time.Millisecond)

	w.Cancel()
	waitDone(t, w)
	assert.True(t, l.isReleased())
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)))
}

func TestWorkerCancelIsIdempotent(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()
	waitListener(t, link)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Cancel()
		}()
	}
	wg.Wait()
	w.Cancel()
	waitDone(t, w)

	closed := 0
	for _, ev := range drain(r) {
		if ev.Kind == EventClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestWorkerCancelBeforeStart(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)

	w.Cancel()
	w.Start()
	waitDone(t, w)

	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)))
	select {
	case <-link.listened:
		t.Fatal("cancelled worker must not listen")
	default:
	}
}

func TestWorkerSendOutsideStreaming(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)

	assert.ErrorIs(t, w.Send([]byte("x")), ErrNotStreaming)

	w.Start()
	waitListener(t, link)
	assert.ErrorIs(t, w.Send([]byte("x")), ErrNotStreaming)

	w.Cancel()
	waitDone(t, w)
	assert.ErrorIs(t, w.Send([]byte("x")), ErrNotStreaming)
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)), "failed sends post nothing")
}

func TestListeningWorkerPeerHangUpIsStreamError(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()

	remote := waitListener(t, link).connect()
	require.Equal(t, EventClientAccepted, nextEvent(t, r).Kind)
	require.NoError(t, remote.Close())

	waitDone(t, w)
	evs := drain(r)
	require.Equal(t, []EventKind{EventError, EventClosed}, kinds(evs))
	assert.True(t, IsKind(evs[0].Err, KindStream))
	assert.NotEmpty(t, evs[0].Message())
	assert.Equal(t, StateClosed, w.State())
}

func TestListeningWorkerListenFailure(t *testing.T) {
	link := newFakeLink()
	link.listenErr = errors.New("channel 22 in use")
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()
	waitDone(t, w)

	evs := drain(r)
	require.Equal(t, []EventKind{EventError, EventClosed}, kinds(evs))
	assert.True(t, IsKind(evs[0].Err, KindConnection))
	assert.ErrorIs(t, evs[0].Err, link.listenErr)
}

func TestConnectingWorkerUnreachablePeer(t *testing.T) {
	link := newFakeLink()
	link.dialErr = errors.New("host is down")
	r := NewRelay()
	w := NewConnectingWorker(link, DefaultService(), peerP, r)
	w.Start()
	waitDone(t, w)

	evs := drain(r)
	require.Equal(t, []EventKind{EventError, EventClosed}, kinds(evs), "no PeerConnected before the error")
	assert.True(t, IsKind(evs[0].Err, KindConnection))
	assert.Equal(t, peerP.Address, evs[0].Peer.Address)
	assert.Equal(t, RoleConnecting, evs[0].Role)
	assert.Equal(t, StateClosed, w.State())
}

func TestConnectingWorkerRequiresPeerIdentity(t *testing.T) {
	r := NewRelay()
	w := NewConnectingWorker(newFakeLink(), DefaultService(), Peer{}, r)
	w.Start()
	waitDone(t, w)
	assert.Equal(t, []EventKind{EventError, EventClosed}, kinds(drain(r)))
}

func TestConnectingWorkerCancelWhileConnecting(t *testing.T) {
	link := newFakeLink()
	link.dialHang = true
	r := NewRelay()
	w := NewConnectingWorker(link, DefaultService(), peerP, r)
	w.Start()
	require.Eventually(t, func() bool { return w.State() == StateConnecting }, time.Second, time.Millisecond)

	w.Cancel()
	waitDone(t, w)
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)))
}

func TestConnectingWorkerStreams(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewConnectingWorker(link, DefaultService(), peerP, r)
	w.Start()

	remote := waitDialed(t, link)
	defer remote.Close()

	ev := nextEvent(t, r)
	require.Equal(t, EventPeerConnected, ev.Kind)
	assert.Equal(t, peerP.Address, ev.Peer.Address)

	_, err := remote.Write([]byte("ping"))
	require.NoError(t, err)
	ev = nextEvent(t, r)
	require.Equal(t, EventDataReceived, ev.Kind)
	assert.Equal(t, "ping", string(ev.Payload))

	got := readFrom(t, remote, 4)
	require.NoError(t, w.Send([]byte("pong")))
	assert.Equal(t, "pong", recv(t, got))

	w.Cancel()
	waitDone(t, w)
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)))
}

func TestWorkerDropsEventsAfterRelayClosed(t *testing.T) {
	link := newFakeLink()
	link.dialErr = errors.New("refused")
	r := NewRelay()
	r.Close()

	w := NewConnectingWorker(link, DefaultService(), peerP, r)
	w.Start()
	waitDone(t, w)
	assert.Equal(t, StateClosed, w.State())
}

// returnsWithin fails the test if fn has not returned after d.
func returnsWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("call still blocked after %s", d)
	}
}

func TestListeningWorkerSendDoesNotWaitForPeer(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()

	// The remote end never reads, so every write on the pipe blocks.
	remote := waitListener(t, link).connect()
	defer remote.Close()
	require.Equal(t, EventClientAccepted, nextEvent(t, r).Kind)

	returnsWithin(t, 500*time.Millisecond, func() {
		for i := 0; i < 3; i++ {
			assert.NoError(t, w.Send([]byte("Hello\n")))
		}
	})

	returnsWithin(t, 500*time.Millisecond, w.Cancel)
	waitDone(t, w)
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)), "cancel during a stalled write reports no error")
}

func TestListeningWorkerWriteFailureIsStreamError(t *testing.T) {
	link := newFakeLink()
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()

	l := waitListener(t, link)
	local, remote := net.Pipe()
	defer remote.Close()
	errWrite := errors.New("connection reset by peer")
	l.accept(&failingWriter{Conn: local, err: errWrite})
	require.Equal(t, EventClientAccepted, nextEvent(t, r).Kind)

	_, err := remote.Write([]byte("tail"))
	require.NoError(t, err)
	ev := nextEvent(t, r)
	require.Equal(t, EventDataReceived, ev.Kind)
	assert.Equal(t, "tail", string(ev.Payload))

	require.NoError(t, w.Send([]byte("Hi\n")), "the write happens on the worker")
	waitDone(t, w)

	evs := drain(r)
	require.Equal(t, []EventKind{EventError, EventClosed}, kinds(evs))
	assert.True(t, IsKind(evs[0].Err, KindStream))
	assert.ErrorIs(t, evs[0].Err, errWrite)
	var cerr *Error
	require.ErrorAs(t, evs[0].Err, &cerr)
	assert.Equal(t, "write", cerr.Op)

	assert.True(t, l.isReleased())
	assert.Equal(t, StateClosed, w.State())
	assert.ErrorIs(t, w.Send([]byte("x")), ErrNotStreaming)
}

func TestWorkerCancelDoesNotWaitForRelease(t *testing.T) {
	link := newFakeLink()
	link.closeGate = make(chan struct{})
	r := NewRelay()
	w := NewListeningWorker(link, DefaultService(), r)
	w.Start()
	l := waitListener(t, link)

	returnsWithin(t, 200*time.Millisecond, w.Cancel)
	require.Eventually(t, l.isClosed, time.Second, time.Millisecond, "cancel must unblock Accept")
	assert.False(t, l.isReleased())
	assert.False(t, isDone(w.Done()), "the worker still owns the listener until Close returns")

	close(link.closeGate)
	waitDone(t, w)
	assert.True(t, l.isReleased())
	assert.Equal(t, []EventKind{EventClosed}, kinds(drain(r)))
}
