//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"peerlink/internal/connmgr"
)

// Options selects the local adapter.
type Options struct {
	// Adapter is the adapter name ("hci0") or its object path. Empty picks the
	// first adapter BlueZ reports.
	Adapter string
	Log     logrus.FieldLogger
}

// Adapter talks to one BlueZ adapter over a private system bus connection.
// It implements connmgr.Radio and connmgr.Link. Close is safe for concurrent
// and redundant calls; every other method fails after Close.
type Adapter struct {
	log  logrus.FieldLogger
	bus  *dbus.Conn
	path dbus.ObjectPath

	mu     sync.Mutex
	closed bool
	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
	// profiles maps each registered Profile1 path to its undo. An entry is
	// removed as soon as its undo runs.
	profiles map[dbus.ObjectPath]func()

	events chan connmgr.AdapterEvent
	sigCh  chan *dbus.Signal
	done   chan struct{}
	wg     sync.WaitGroup
}

var (
	_ connmgr.Radio = (*Adapter)(nil)
	_ connmgr.Link  = (*Adapter)(nil)
)

// Open connects to the system bus, resolves the adapter and starts watching
// discovery and pairing signals.
func Open(ctx context.Context, opts Options) (*Adapter, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a := &Adapter{
		log:    log.WithField("component", "bluez"),
		bus:    bus,
		events:   make(chan connmgr.AdapterEvent, 64),
		sigCh:    make(chan *dbus.Signal, 64),
		done:     make(chan struct{}),
		profiles: make(map[dbus.ObjectPath]func()),
	}
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, func() { _ = bus.Close() })

	objs, err := a.managedObjects(ctx)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	a.path, err = pickAdapter(objs, opts.Adapter)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	a.log = a.log.WithField("adapter", string(a.path))

	if err := a.watch(); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return a, nil
}

// Path returns the Adapter1 object path in use.
func (a *Adapter) Path() string { return string(a.path) }

func (a *Adapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("bluez: closed")
	}
	return nil
}

// trackProfile records undo for Close. It returns false once the adapter is
// closed; the caller must then undo the registration itself.
func (a *Adapter) trackProfile(path dbus.ObjectPath, undo func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.profiles[path] = undo
	return true
}

func (a *Adapter) untrackProfile(path dbus.ObjectPath) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.profiles, path)
}

func (a *Adapter) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	obj := a.bus.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (a *Adapter) setAdapterProp(ctx context.Context, name string, value bool) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	obj := a.bus.Object(bluezService, a.path)
	if call := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, name, dbus.MakeVariant(value)); call.Err != nil {
		return fmt.Errorf("bluez: set %s: %w", name, call.Err)
	}
	return nil
}

// PowerOn sets Adapter1.Powered.
func (a *Adapter) PowerOn(ctx context.Context) error {
	return a.setAdapterProp(ctx, "Powered", true)
}

// SetDiscoverable sets Adapter1.Discoverable.
func (a *Adapter) SetDiscoverable(ctx context.Context, on bool) error {
	return a.setAdapterProp(ctx, "Discoverable", on)
}

// StartDiscovery calls Adapter1.StartDiscovery.
func (a *Adapter) StartDiscovery(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if call := a.bus.Object(bluezService, a.path).CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		if isDBusError(call.Err, "org.bluez.Error.InProgress") {
			return nil
		}
		return fmt.Errorf("bluez: StartDiscovery: %w", call.Err)
	}
	return nil
}

// StopDiscovery calls Adapter1.StopDiscovery.
func (a *Adapter) StopDiscovery(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if call := a.bus.Object(bluezService, a.path).CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
		if isDBusError(call.Err, "org.bluez.Error.Failed") {
			// Not discovering.
			return nil
		}
		return fmt.Errorf("bluez: StopDiscovery: %w", call.Err)
	}
	return nil
}

// PairedPeers lists bonded devices of this adapter, ordered by display name.
func (a *Adapter) PairedPeers(ctx context.Context) ([]connmgr.Peer, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	objs, err := a.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return pairedPeers(objs, a.path), nil
}

// RequestBonding calls Device1.Pair. A registered agent must answer any
// confirmation request. Pairing an already bonded peer succeeds.
func (a *Adapter) RequestBonding(ctx context.Context, peer connmgr.Peer) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	path, err := a.pathOf(peer)
	if err != nil {
		return err
	}
	bonding := peer
	bonding.Bond = connmgr.BondBonding
	a.tryEmit(connmgr.AdapterEvent{Kind: connmgr.AdapterBondChanged, Peer: bonding})

	call := a.bus.Object(bluezService, path).CallWithContext(ctx, deviceIface+".Pair", 0)
	if call.Err != nil && !isDBusError(call.Err, "org.bluez.Error.AlreadyExists") {
		return fmt.Errorf("bluez: Pair: %w", call.Err)
	}
	return nil
}

// PeerByAddress resolves a MAC address or Device1 object path to a peer
// snapshot. The device must already be known to BlueZ.
func (a *Adapter) PeerByAddress(ctx context.Context, addr string) (connmgr.Peer, error) {
	if err := a.checkOpen(); err != nil {
		return connmgr.Peer{}, err
	}
	path := dbus.ObjectPath(addr)
	if !path.IsValid() || macFromPath(path) == "" {
		path = devicePath(a.path, addr)
	}
	return a.peerAt(ctx, path)
}

func (a *Adapter) peerAt(ctx context.Context, path dbus.ObjectPath) (connmgr.Peer, error) {
	var props map[string]dbus.Variant
	call := a.bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return connmgr.Peer{}, fmt.Errorf("bluez: read device %s: %w", path, call.Err)
	}
	if err := call.Store(&props); err != nil {
		return connmgr.Peer{}, fmt.Errorf("bluez: decode device %s: %w", path, err)
	}
	return peerFromDeviceProps(path, props), nil
}

func (a *Adapter) pathOf(peer connmgr.Peer) (dbus.ObjectPath, error) {
	if peer.Path != "" {
		return dbus.ObjectPath(peer.Path), nil
	}
	if peer.Address == "" {
		return "", errors.New("bluez: peer has neither path nor address")
	}
	return devicePath(a.path, peer.Address), nil
}

// Events delivers discovery, pairing and visibility notifications. It is
// closed by Close.
func (a *Adapter) Events() <-chan connmgr.AdapterEvent {
	return a.events
}

func (a *Adapter) watch() error {
	a.bus.Signal(a.sigCh)
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(a.path),
		},
	}
	for _, m := range matches {
		if err := a.bus.AddMatchSignal(m...); err != nil {
			a.bus.RemoveSignal(a.sigCh)
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = a.bus.RemoveMatchSignal(m...) })
	}
	a.cleanup = append(a.cleanup, func() { a.bus.RemoveSignal(a.sigCh) })

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.events)
		for {
			select {
			case <-a.done:
				return
			case sig, ok := <-a.sigCh:
				if !ok {
					return
				}
				a.handleSignal(sig)
			}
		}
	}()
	return nil
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil || !underAdapter(a.path, path) {
			return
		}
		if p, ok := peerFromProps(path, ifaces); ok {
			a.emit(connmgr.AdapterEvent{Kind: connmgr.AdapterPeerFound, Peer: p})
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case adapterIface:
			if sig.Path != a.path {
				return
			}
			a.adapterChanged(changed)
		case deviceIface:
			if underAdapter(a.path, sig.Path) {
				a.deviceChanged(sig.Path, changed)
			}
		}
	}
}

func (a *Adapter) adapterChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["Discovering"]; ok {
		kind := connmgr.AdapterDiscoveryFinished
		if on, _ := v.Value().(bool); on {
			kind = connmgr.AdapterDiscoveryStarted
		}
		a.emit(connmgr.AdapterEvent{Kind: kind})
	}
	if v, ok := changed["Discoverable"]; ok {
		on, _ := v.Value().(bool)
		a.emit(connmgr.AdapterEvent{Kind: connmgr.AdapterDiscoverableChanged, Discoverable: on})
	}
}

// deviceChanged turns pairing changes into BondChanged and RSSI updates, which
// BlueZ sends for every inquiry result of an already known device, into
// repeated PeerFound.
func (a *Adapter) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	_, paired := changed["Paired"]
	_, bonded := changed["Bonded"]
	_, rssi := changed["RSSI"]
	if !paired && !bonded && !rssi {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	p, err := a.peerAt(ctx, path)
	if err != nil {
		a.log.WithError(err).Debug("device update")
		return
	}
	if paired || bonded {
		a.emit(connmgr.AdapterEvent{Kind: connmgr.AdapterBondChanged, Peer: p})
	}
	if rssi {
		a.emit(connmgr.AdapterEvent{Kind: connmgr.AdapterPeerFound, Peer: p})
	}
}

func (a *Adapter) emit(ev connmgr.AdapterEvent) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// tryEmit is used from caller goroutines, which may be the very goroutine
// draining Events. Holding mu keeps the send ahead of Close.
func (a *Adapter) tryEmit(ev connmgr.AdapterEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.log.Debugf("events full, dropped %s", ev.Kind)
	}
}

// Close releases the bus connection, every registered profile and signal
// subscription. It is safe for concurrent and redundant calls.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	undos := make([]func(), 0, len(a.profiles))
	for _, undo := range a.profiles {
		undos = append(undos, undo)
	}
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()
	// Profiles go first; they need the bus.
	for _, undo := range undos {
		undo()
	}
	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func isDBusError(err error, name string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) {
		return dep.Name == name
	}
	return false
}
