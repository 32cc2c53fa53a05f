package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Supervisor owns at most one ListeningWorker and at most one ConnectingWorker.
//
// Starting a role that already has a worker cancels the old worker and waits
// for it to exit before the replacement starts, so two workers never share a
// service registration or a stream.
//
// Send goes to the listening worker when it is streaming, otherwise to the
// connecting worker when it is streaming, otherwise it fails with
// ErrNoActiveStream.
type Supervisor struct {
	link  Link
	svc   Service
	relay *Relay
	opts  []Option
	log   logrus.FieldLogger

	// lifecycle serializes Listen, ConnectTo, StopListening and Disconnect.
	lifecycle sync.Mutex

	mu        sync.Mutex
	listener  *ListeningWorker
	connector *ConnectingWorker
}

// NewSupervisor creates a supervisor posting all worker events to relay.
// opts are applied to every worker it spawns.
func NewSupervisor(link Link, svc Service, relay *Relay, opts ...Option) *Supervisor {
	o := buildOptions(opts)
	return &Supervisor{
		link:  link,
		svc:   svc,
		relay: relay,
		opts:  opts,
		log:   o.log,
	}
}

// Relay returns the relay workers post to.
func (s *Supervisor) Relay() *Relay { return s.relay }

// Listen replaces the listening worker with a new one and starts it.
func (s *Supervisor) Listen(ctx context.Context) (*ListeningWorker, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.stopListening(ctx); err != nil {
		return nil, err
	}
	w := NewListeningWorker(s.link, s.svc, s.relay, s.opts...)
	s.mu.Lock()
	s.listener = w
	s.mu.Unlock()
	s.log.WithField("worker", w.ID().String()).Debug("spawn listening worker")
	w.Start()
	return w, nil
}

// ConnectTo replaces the connecting worker with one targeting peer and starts it.
func (s *Supervisor) ConnectTo(ctx context.Context, peer Peer) (*ConnectingWorker, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.stopConnecting(ctx); err != nil {
		return nil, err
	}
	w := NewConnectingWorker(s.link, s.svc, peer, s.relay, s.opts...)
	s.mu.Lock()
	s.connector = w
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"worker": w.ID().String(), "peer": peer.ID()}).Debug("spawn connecting worker")
	w.Start()
	return w, nil
}

// Send forwards p to the streaming worker.
func (s *Supervisor) Send(p []byte) error {
	s.mu.Lock()
	l, c := s.listener, s.connector
	s.mu.Unlock()

	switch {
	case l != nil && l.State() == StateStreaming:
		return l.Send(p)
	case c != nil && c.State() == StateStreaming:
		return c.Send(p)
	default:
		return ErrNoActiveStream
	}
}

// StopListening cancels the listening worker, if any, and waits for it.
func (s *Supervisor) StopListening(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopListening(ctx)
}

// Disconnect cancels both workers and waits for them.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	errL := s.stopListening(ctx)
	errC := s.stopConnecting(ctx)
	if errL != nil {
		return errL
	}
	return errC
}

// Close tears down both workers. The relay is left to its owner.
func (s *Supervisor) Close(ctx context.Context) error {
	return s.Disconnect(ctx)
}

// Listening returns the current listening worker or nil.
func (s *Supervisor) Listening() *ListeningWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Connecting returns the current connecting worker or nil.
func (s *Supervisor) Connecting() *ConnectingWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connector
}

func (s *Supervisor) stopListening(ctx context.Context) error {
	s.mu.Lock()
	w := s.listener
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	w.Cancel()
	if err := w.Wait(ctx); err != nil {
		return fmt.Errorf("connmgr: wait for listening worker: %w", err)
	}
	s.mu.Lock()
	if s.listener == w {
		s.listener = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) stopConnecting(ctx context.Context) error {
	s.mu.Lock()
	w := s.connector
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	w.Cancel()
	if err := w.Wait(ctx); err != nil {
		return fmt.Errorf("connmgr: wait for connecting worker: %w", err)
	}
	s.mu.Lock()
	if s.connector == w {
		s.connector = nil
	}
	s.mu.Unlock()
	return nil
}
