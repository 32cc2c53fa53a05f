// Package connmgr manages a single RFCOMM-style peer connection on behalf of one
// consumer goroutine.
//
// Discovery notifications are deduplicated by a Tracker, and connection workers
// (one listening, one connecting) perform all blocking I/O on their own goroutines.
// Every lifecycle, data and error event a worker produces is posted to a Relay,
// which the consumer drains in post order. The consumer never blocks on radio I/O;
// it only drains the relay and issues Send/Cancel style control calls.
//
// The radio itself is reached through two interfaces, Radio (adapter control and
// discovery notifications) and Link (opening byte streams). internal/bluez
// implements both on top of BlueZ.
package connmgr

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint16 = 22

	// DefaultServiceName is advertised in the SDP record of the listening side.
	DefaultServiceName = "PeerLink"
)

// BondState tracks pairing with a remote peer. It is owned by the radio stack;
// the core only reports it.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// Peer is an immutable snapshot of a remote device as reported by the radio.
//
// Address is the primary identity. Path is the radio stack's handle for the
// device (a BlueZ Device1 object path) and is used when Address is unknown.
type Peer struct {
	Address  string
	Name     string
	Alias    string
	Path     string
	Bond     BondState
	Services uuid.UUIDs
}

// ID returns the identity used to deduplicate discovery notifications.
func (p Peer) ID() string {
	if p.Address != "" {
		return strings.ToUpper(p.Address)
	}
	return p.Path
}

// DisplayName prefers the user-assigned alias, then the device name, then the address.
func (p Peer) DisplayName() string {
	switch {
	case p.Alias != "":
		return p.Alias
	case p.Name != "":
		return p.Name
	case p.Address != "":
		return p.Address
	default:
		return p.Path
	}
}

// Offers reports whether the peer advertises the given service UUID.
func (p Peer) Offers(id uuid.UUID) bool {
	for _, s := range p.Services {
		if s == id {
			return true
		}
	}
	return false
}

// Service identifies the endpoint both roles agree on.
type Service struct {
	Name    string
	UUID    uuid.UUID
	Channel uint16
}

// DefaultService returns the SPP service on the default channel.
func DefaultService() Service {
	return Service{
		Name:    DefaultServiceName,
		UUID:    uuid.MustParse(SPPUUID),
		Channel: DefaultRFCOMMChannel,
	}
}

// Stream is an established bidirectional byte stream. Close must unblock a
// pending Read or Write on another goroutine.
type Stream = io.ReadWriteCloser

// Interrupter is implemented by streams and listeners whose Close does more
// than unblock pending I/O, such as unregistering a service with the radio
// stack. A worker's Cancel calls Interrupt, which must be fast and must make
// blocked calls fail; Close follows later on the worker goroutine.
type Interrupter interface {
	Interrupt()
}

// Listener waits for inbound connections on a registered service.
type Listener interface {
	// Accept blocks until a peer connects, ctx is done, or the listener is closed.
	// The returned Stream is owned by the caller.
	Accept(ctx context.Context) (Stream, Peer, error)

	// Close unregisters the service and unblocks a pending Accept.
	// It is idempotent.
	Close() error
}

// Link opens byte streams over the radio.
type Link interface {
	// Listen registers svc and returns a listener for it. Listen itself must not
	// block on a remote peer.
	Listen(ctx context.Context, svc Service) (Listener, error)

	// Dial connects to svc on peer. It blocks until the stream is established,
	// the peer refuses, or ctx is done. Cancelling ctx must make Dial return
	// promptly with an error wrapping ctx.Err().
	Dial(ctx context.Context, peer Peer, svc Service) (Stream, error)
}

// AdapterEventKind enumerates radio-level notifications.
type AdapterEventKind int

const (
	AdapterDiscoveryStarted AdapterEventKind = iota
	AdapterDiscoveryFinished
	AdapterPeerFound
	AdapterBondChanged
	AdapterDiscoverableChanged
)

func (k AdapterEventKind) String() string {
	switch k {
	case AdapterDiscoveryStarted:
		return "discovery-started"
	case AdapterDiscoveryFinished:
		return "discovery-finished"
	case AdapterPeerFound:
		return "peer-found"
	case AdapterBondChanged:
		return "bond-changed"
	case AdapterDiscoverableChanged:
		return "discoverable-changed"
	default:
		return "unknown"
	}
}

// AdapterEvent is a notification from the radio. Peer is set for PeerFound and
// BondChanged; Discoverable is set for DiscoverableChanged.
type AdapterEvent struct {
	Kind         AdapterEventKind
	Peer         Peer
	Discoverable bool
}

// Radio is the adapter facade the core drives.
//
// The radio may announce the same peer any number of times during one discovery
// pass; deduplication is the Tracker's job, not the Radio's.
type Radio interface {
	// PowerOn turns the adapter on. It is a no-op if it is already powered.
	PowerOn(ctx context.Context) error

	// StartDiscovery begins a scan. Found peers arrive on Events as AdapterPeerFound.
	StartDiscovery(ctx context.Context) error

	// StopDiscovery ends the current scan.
	StopDiscovery(ctx context.Context) error

	// PairedPeers lists bonded peers in a stable order.
	PairedPeers(ctx context.Context) ([]Peer, error)

	// RequestBonding starts pairing with peer. Progress is reported on Events as
	// AdapterBondChanged.
	RequestBonding(ctx context.Context, peer Peer) error

	// SetDiscoverable makes the local adapter visible (or not) to scanning peers.
	SetDiscoverable(ctx context.Context, on bool) error

	// Events delivers adapter notifications on a single channel. The channel is
	// closed when the radio is closed.
	Events() <-chan AdapterEvent
}
