package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStreaming is returned by a worker's Send outside the Streaming state.
	ErrNotStreaming = errors.New("connmgr: not streaming")

	// ErrNoActiveStream is returned by Supervisor.Send when no worker is streaming.
	ErrNoActiveStream = errors.New("connmgr: no active stream")

	// ErrRelayClosed is returned by Relay.Next once the relay has been closed.
	ErrRelayClosed = errors.New("connmgr: relay closed")
)

// ErrorKind classifies failures surfaced to the consumer.
type ErrorKind int

const (
	// KindDiscovery covers scan and adapter failures. They are non-fatal and the
	// scan can be retried.
	KindDiscovery ErrorKind = iota + 1
	// KindConnection covers accept and connect failures. The worker terminates.
	KindConnection
	// KindStream covers read and write failures on an established stream. The
	// worker terminates and releases the stream.
	KindStream
)

func (k ErrorKind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindConnection:
		return "connection"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Error is the typed failure carried by EventError and returned by Scanner.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connmgr: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func discoveryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindDiscovery, Op: op, Err: err}
}
