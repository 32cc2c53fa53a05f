//go:build linux

package bluez

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// stream wraps an RFCOMM socket received from bluetoothd. The FD is switched to
// non-blocking mode so that os.File registers it with the runtime poller and a
// Close from another goroutine unblocks a pending Read.
type stream struct {
	*os.File
	once    sync.Once
	onClose func()
}

func newStream(fd int, onClose func()) (*stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	return &stream{File: os.NewFile(uintptr(fd), "rfcomm"), onClose: onClose}, nil
}

// Interrupt closes the socket so pending Read and Write calls fail. onClose
// is left for Close.
func (s *stream) Interrupt() {
	_ = s.File.Close()
}

// Close closes the socket, if Interrupt has not already, and runs onClose once.
func (s *stream) Close() error {
	err := s.File.Close()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
