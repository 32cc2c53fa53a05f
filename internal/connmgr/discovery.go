package connmgr

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Tracker deduplicates "peer found" notifications within one scan session.
//
// A peer is presented on its first observation only. The occurrence counter
// keeps counting re-announcements so that "first" stays well defined until
// Reset starts a new session.
type Tracker struct {
	mu        sync.Mutex
	seen      map[string]int
	presented []Peer
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]int)}
}

// Reset clears the occurrence counters and the presented list.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]int)
	t.presented = nil
}

// Observe counts one notification for p and reports whether it was the first
// since the last Reset. A first observation appends p to the presented list.
func (t *Tracker) Observe(p Peer) bool {
	id := p.ID()
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[id]++
	if t.seen[id] != 1 {
		return false
	}
	t.presented = append(t.presented, p)
	return true
}

// Occurrences returns how many times p was observed in this session.
func (t *Tracker) Occurrences(p Peer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[p.ID()]
}

// Peers returns a copy of the presented list in first-seen order.
func (t *Tracker) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, len(t.presented))
	copy(out, t.presented)
	return out
}

// Scanner is the consumer-side discovery flow. It drives the Radio and feeds
// its notifications through a Tracker. Handle must be called from the goroutine
// that drains Radio.Events.
type Scanner struct {
	radio   Radio
	tracker *Tracker
	log     logrus.FieldLogger
}

// NewScanner wires a scanner to radio. A nil log discards output.
func NewScanner(radio Radio, log logrus.FieldLogger) *Scanner {
	if log == nil {
		log = discardLogger()
	}
	return &Scanner{radio: radio, tracker: NewTracker(), log: log}
}

// Start begins a new scan session: the presented list is cleared first.
func (s *Scanner) Start(ctx context.Context) error {
	s.tracker.Reset()
	if err := s.radio.StartDiscovery(ctx); err != nil {
		return discoveryErr("start discovery", err)
	}
	return nil
}

// Stop ends the scan. The presented list is kept until the next Start.
func (s *Scanner) Stop(ctx context.Context) error {
	return discoveryErr("stop discovery", s.radio.StopDiscovery(ctx))
}

// Handle applies one adapter notification and reports whether the presented
// list changed.
func (s *Scanner) Handle(ev AdapterEvent) bool {
	switch ev.Kind {
	case AdapterPeerFound:
		if s.tracker.Observe(ev.Peer) {
			s.log.WithField("peer", ev.Peer.ID()).Debugf("listed %s", ev.Peer.DisplayName())
			return true
		}
		return false
	case AdapterBondChanged:
		s.log.WithField("peer", ev.Peer.ID()).Infof("bond state %s", ev.Peer.Bond)
	default:
		s.log.Debugf("adapter: %s", ev.Kind)
	}
	return false
}

// Peers returns the presented list of the current session.
func (s *Scanner) Peers() []Peer {
	return s.tracker.Peers()
}

// Paired lists bonded peers. Paired peers bypass the tracker.
func (s *Scanner) Paired(ctx context.Context) ([]Peer, error) {
	peers, err := s.radio.PairedPeers(ctx)
	if err != nil {
		return nil, discoveryErr("list paired peers", err)
	}
	return peers, nil
}

// Bond asks the radio to pair with p.
func (s *Scanner) Bond(ctx context.Context, p Peer) error {
	return discoveryErr("request bonding", s.radio.RequestBonding(ctx, p))
}
