//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"peerlink/internal/connmgr"
)

// callTimeout bounds D-Bus calls made on cleanup paths, where no caller
// context is available.
const callTimeout = 5 * time.Second

var pathCounter uint64

var (
	_ connmgr.Interrupter = (*listener)(nil)
	_ connmgr.Interrupter = (*stream)(nil)
)

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu       sync.Mutex
	ch       chan acceptResult
	accepted bool // true after first delivery; subsequent connections are rejected/closed
	closed   bool
}

type acceptResult struct {
	fd   int
	path dbus.ObjectPath
}

func newProfile() *profile {
	return &profile{ch: make(chan acceptResult, 1)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the stream owner closes the socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted || p.closed {
		_ = unix.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	select {
	case p.ch <- acceptResult{fd: int(fd), path: dev}:
		p.accepted = true
		return nil
	default:
		// No room; close FD and return a rejection to avoid leaks.
		_ = unix.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// shutdown rejects later connections and closes an undelivered FD.
func (p *profile) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	select {
	case res := <-p.ch:
		_ = unix.Close(res.fd)
	default:
	}
}

// register exports p under a fresh object path and registers it for svc.
// The returned func undoes both and is safe to call more than once.
func (a *Adapter) register(ctx context.Context, p *profile, role string, svc connmgr.Service) (func(), error) {
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/peerlink/profile/" + role + "/p" + strconv.FormatUint(id, 10))
	if err := a.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export %s profile: %w", role, err)
	}

	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant(role),
	}
	if svc.Name != "" {
		opts["Name"] = dbus.MakeVariant(svc.Name)
	}
	if role == "server" && svc.Channel != 0 {
		// BlueZ expects Channel as a uint16 (not byte).
		opts["Channel"] = dbus.MakeVariant(svc.Channel)
	}
	pm := a.bus.Object(bluezService, bluezRoot)
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, svc.UUID.String(), opts); call.Err != nil {
		_ = a.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(%s): %w", role, call.Err)
	}

	var once sync.Once
	undo := func() {
		once.Do(func() {
			a.untrackProfile(path)
			p.shutdown()
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			if call := pm.CallWithContext(ctx, profileManagerIface+".UnregisterProfile", 0, path); call.Err != nil {
				a.log.WithError(call.Err).Debugf("unregister %s", path)
			}
			// Unexport the object path (best-effort).
			_ = a.bus.Export(nil, path, profileInterfaceName)
		})
	}
	if !a.trackProfile(path, undo) {
		undo()
		return nil, errors.New("bluez: closed")
	}
	return undo, nil
}

// listener is the server side of one registered profile.
type listener struct {
	a         *Adapter
	prof      *profile
	undo      func()
	closed    chan struct{}
	interrupt sync.Once
}

// Listen registers a server profile for svc on its RFCOMM channel.
func (a *Adapter) Listen(ctx context.Context, svc connmgr.Service) (connmgr.Listener, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if svc.Name == "" {
		return nil, errors.New("bluez: service name required")
	}
	p := newProfile()
	undo, err := a.register(ctx, p, "server", svc)
	if err != nil {
		return nil, err
	}
	return &listener{a: a, prof: p, undo: undo, closed: make(chan struct{})}, nil
}

// Accept waits for the first NewConnection on the profile. Later connections
// are rejected by the profile for as long as the listener stays open.
func (l *listener) Accept(ctx context.Context) (connmgr.Stream, connmgr.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case <-l.closed:
		return nil, connmgr.Peer{}, errors.New("bluez: listener closed")
	case res := <-l.prof.ch:
		s, err := newStream(res.fd, nil)
		if err != nil {
			return nil, connmgr.Peer{}, err
		}
		peer, err := l.a.peerAt(ctx, res.path)
		if err != nil {
			// The socket is usable without a name.
			peer = connmgr.Peer{Path: string(res.path), Address: macFromPath(res.path)}
		}
		return s, peer, nil
	}
}

// Interrupt unblocks Accept and refuses further connections without touching
// the bus.
func (l *listener) Interrupt() {
	l.interrupt.Do(func() {
		close(l.closed)
		l.prof.shutdown()
	})
}

// Close interrupts and then unregisters the profile.
func (l *listener) Close() error {
	l.Interrupt()
	l.undo()
	return nil
}

// Dial registers a client profile, pairs with the device if needed and asks
// BlueZ to connect svc. The profile stays registered until the returned stream
// is closed.
func (a *Adapter) Dial(ctx context.Context, peer connmgr.Peer, svc connmgr.Service) (connmgr.Stream, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	devPath, err := a.pathOf(peer)
	if err != nil {
		return nil, err
	}
	p := newProfile()
	undo, err := a.register(ctx, p, "client", svc)
	if err != nil {
		return nil, err
	}

	devObj := a.bus.Object(bluezService, devPath)
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					undo()
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String()); call.Err != nil {
		undo()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		undo()
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-p.ch:
		s, err := newStream(res.fd, undo)
		if err != nil {
			undo()
			return nil, err
		}
		return s, nil
	}
}
