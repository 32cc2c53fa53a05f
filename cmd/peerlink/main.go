//go:build linux

// Command peerlink discovers nearby Bluetooth peers and holds one RFCOMM
// byte-stream session with a peer, either as the listening side or as the
// connecting side.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - RegisterProfile usually needs root: run with sudo if listen/connect fail
//     with org.bluez.Error.NotPermitted.
//   - Pairing an unknown device needs a registered agent (bluetoothctl does).
//
// Typical use
//
//	peerlink scan --timeout 20s
//	peerlink pair AA:BB:CC:DD:EE:FF
//	sudo peerlink listen                      # device A
//	sudo peerlink connect AA:BB:CC:DD:EE:FF   # device B
//
// In a session every typed line is sent with a trailing newline. /hello and
// /hi send canned greetings, /listen restarts listening, /stop stops
// listening, /quit ends the session. Ctrl-C cancels.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx)
	stop()
	os.Exit(code)
}
