package connmgr

import (
	"errors"
)

// ConnectingWorker is the client role: it connects to one peer and then streams
// until cancelled or the stream fails. A failed connect is never retried; start
// a new worker instead.
type ConnectingWorker struct {
	*worker
	link Link
	svc  Service
}

// NewConnectingWorker prepares a worker targeting peer in the idle state.
func NewConnectingWorker(link Link, svc Service, peer Peer, relay *Relay, opts ...Option) *ConnectingWorker {
	w := &ConnectingWorker{
		worker: newWorker(RoleConnecting, relay, buildOptions(opts)),
		link:   link,
		svc:    svc,
	}
	w.peer = peer
	w.log = w.log.WithField("peer", peer.ID())
	return w
}

// Start runs the worker on its own goroutine. Only the first call has an effect,
// and none if Cancel came first.
func (w *ConnectingWorker) Start() {
	w.start(w.run)
}

func (w *ConnectingWorker) run() {
	if !w.enter(StateConnecting) {
		return
	}
	peer := w.Peer()
	if peer.ID() == "" {
		w.fail(KindConnection, "connect", errors.New("peer has no address"))
		return
	}
	w.log.Infof("connecting to %s", peer.DisplayName())

	s, err := w.link.Dial(w.ctx, peer, w.svc)
	if err != nil {
		w.fail(KindConnection, "connect", err)
		return
	}
	if !w.enter(StateConnected) {
		_ = s.Close()
		return
	}
	w.log.Info("connected")
	w.serve(s, Peer{}, Event{Kind: EventPeerConnected})
}
