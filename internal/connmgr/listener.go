package connmgr

// ListeningWorker is the server role: it registers the service, accepts exactly
// one inbound connection and then streams until cancelled or the stream fails.
type ListeningWorker struct {
	*worker
	link Link
	svc  Service
}

// NewListeningWorker prepares a worker in the idle state. Call Start to run it.
func NewListeningWorker(link Link, svc Service, relay *Relay, opts ...Option) *ListeningWorker {
	return &ListeningWorker{
		worker: newWorker(RoleListening, relay, buildOptions(opts)),
		link:   link,
		svc:    svc,
	}
}

// Start runs the worker on its own goroutine. Only the first call has an effect,
// and none if Cancel came first.
func (w *ListeningWorker) Start() {
	w.start(w.run)
}

func (w *ListeningWorker) run() {
	if !w.enter(StateListening) {
		return
	}
	l, err := w.link.Listen(w.ctx, w.svc)
	if err != nil {
		w.fail(KindConnection, "listen", err)
		return
	}
	// The listener stays registered until the worker ends so that a second
	// client is refused rather than handed a fresh service record.
	if !w.attach(l) {
		_ = l.Close()
		return
	}
	w.log.Infof("listening for %q on channel %d", w.svc.Name, w.svc.Channel)

	s, peer, err := l.Accept(w.ctx)
	if err != nil {
		w.fail(KindConnection, "accept", err)
		return
	}
	if !w.enter(StateAccepted) {
		_ = s.Close()
		return
	}
	w.log.WithField("peer", peer.ID()).Info("client accepted")
	w.serve(s, peer, Event{Kind: EventClientAccepted, Peer: peer})
}
