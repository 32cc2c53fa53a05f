// Package bluez implements connmgr.Radio and connmgr.Link on top of BlueZ over
// the system D-Bus.
//
// Streams are RFCOMM sockets handed over by bluetoothd through
// org.bluez.Profile1.NewConnection; the process needs permission to call
// ProfileManager1.RegisterProfile (usually root or the bluetooth group).
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"peerlink/internal/connmgr"
)

const (
	bluezService         = "org.bluez"
	bluezRoot            = dbus.ObjectPath("/org/bluez")
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// peerFromProps decodes Device1 properties. ok is false when the object is not
// a device.
func peerFromProps(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (connmgr.Peer, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return connmgr.Peer{}, false
	}
	return peerFromDeviceProps(path, props), true
}

func peerFromDeviceProps(path dbus.ObjectPath, props map[string]dbus.Variant) connmgr.Peer {
	p := connmgr.Peer{
		Path:    string(path),
		Address: stringProp(props, "Address"),
		Name:    stringProp(props, "Name"),
		Alias:   stringProp(props, "Alias"),
		Bond:    bondFromProps(props),
	}
	if p.Address == "" {
		p.Address = macFromPath(path)
	}
	if v, ok := props["UUIDs"]; ok {
		raw, _ := v.Value().([]string)
		p.Services = parseUUIDs(raw)
	}
	return p
}

func bondFromProps(props map[string]dbus.Variant) connmgr.BondState {
	if boolProp(props, "Paired") || boolProp(props, "Bonded") {
		return connmgr.BondBonded
	}
	return connmgr.BondNone
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// parseUUIDs skips entries BlueZ reports in a form uuid cannot parse.
func parseUUIDs(raw []string) uuid.UUIDs {
	out := make(uuid.UUIDs, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// devicePath builds the Device1 object path of addr under adapter.
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	mac := strings.ToUpper(strings.ReplaceAll(addr, ":", "_"))
	return dbus.ObjectPath(string(adapter) + "/dev_" + mac)
}

// underAdapter reports whether path is a child object of adapter.
func underAdapter(adapter, path dbus.ObjectPath) bool {
	return adapter == "" || strings.HasPrefix(string(path), string(adapter)+"/")
}

// adapterPaths returns the Adapter1 objects, sorted so hci0 comes first.
func adapterPaths(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// pickAdapter matches want against adapter names ("hci0") or object paths.
func pickAdapter(objs managedObjects, want string) (dbus.ObjectPath, error) {
	paths := adapterPaths(objs)
	if len(paths) == 0 {
		return "", errors.New("bluez: no adapter found")
	}
	if want == "" {
		return paths[0], nil
	}
	for _, p := range paths {
		if string(p) == want || string(p) == string(bluezRoot)+"/"+want {
			return p, nil
		}
	}
	return "", fmt.Errorf("bluez: adapter %q not found", want)
}

// pairedPeers returns bonded devices under adapter ordered by display name.
func pairedPeers(objs managedObjects, adapter dbus.ObjectPath) []connmgr.Peer {
	var out []connmgr.Peer
	for path, ifaces := range objs {
		if !underAdapter(adapter, path) {
			continue
		}
		p, ok := peerFromProps(path, ifaces)
		if !ok || p.Bond != connmgr.BondBonded {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if a != b {
			return a < b
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
