//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"peerlink/internal/connmgr"
)

// teardownTimeout covers waiting for a worker, including its profile
// unregistration on the bus.
const teardownTimeout = 10 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "wait for one peer to connect, then chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()
		if err := a.adapter.PowerOn(cmd.Context()); err != nil {
			return err
		}
		in := bufio.NewReader(cmd.InOrStdin())
		return runSession(cmd.Context(), a, in, cmd.OutOrStdout(), func(ctx context.Context, s *connmgr.Supervisor) error {
			_, err := s.Listen(ctx)
			return err
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "connect to a peer, then chat",
	Long:  `connects to the given device; without an address, lists paired devices and asks which one to use`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()

		ctx := cmd.Context()
		if err := a.adapter.PowerOn(ctx); err != nil {
			return err
		}
		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		var peer connmgr.Peer
		if len(args) == 1 {
			peer, err = a.adapter.PeerByAddress(ctx, args[0])
		} else {
			peer, err = choosePaired(ctx, a, in, out)
		}
		if err != nil {
			return err
		}
		return runSession(ctx, a, in, out, func(ctx context.Context, s *connmgr.Supervisor) error {
			_, err := s.ConnectTo(ctx, peer)
			return err
		})
	},
}

func choosePaired(ctx context.Context, a *app, in *bufio.Reader, out io.Writer) (connmgr.Peer, error) {
	peers, err := connmgr.NewScanner(a.adapter, a.log).Paired(ctx)
	if err != nil {
		return connmgr.Peer{}, err
	}
	if len(peers) == 0 {
		return connmgr.Peer{}, errors.New("no paired devices; pair one first")
	}
	for i, p := range peers {
		printPeer(out, i, p)
	}
	fmt.Fprint(out, "Choose index: ")
	for {
		line, err := in.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && i >= 0 && i < len(peers) {
			return peers[i], nil
		}
		if err != nil {
			return connmgr.Peer{}, fmt.Errorf("read choice: %w", err)
		}
		fmt.Fprintf(out, "enter 0..%d: ", len(peers)-1)
	}
}

// session is the single consumer of the relay. Only its goroutine touches the
// terminal; workers and the stdin reader hand everything over through channels.
type session struct {
	sup *connmgr.Supervisor
	out io.Writer
	app *app
}

func runSession(ctx context.Context, a *app, in *bufio.Reader, out io.Writer, start func(context.Context, *connmgr.Supervisor) error) error {
	relay := connmgr.NewRelay()
	defer relay.Close()
	sup := connmgr.NewSupervisor(a.adapter, a.svc, relay,
		connmgr.WithLogger(a.log),
		connmgr.WithReadBufferSize(a.cfg.ReadBufferSize),
	)
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := sup.Close(tctx); err != nil {
			a.log.WithError(err).Warn("teardown")
		}
	}()

	if err := start(ctx, sup); err != nil {
		return err
	}
	s := &session{sup: sup, out: out, app: a}
	lines := readLines(in)
	adapterEvents := a.adapter.Events()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-relay.Ready():
			for {
				ev, ok := relay.TryNext()
				if !ok {
					break
				}
				s.render(ev)
			}
		case ev, ok := <-adapterEvents:
			if !ok {
				adapterEvents = nil
				continue
			}
			if ev.Kind == connmgr.AdapterBondChanged {
				fmt.Fprintf(out, "* %s: %s\n", ev.Peer.DisplayName(), ev.Peer.Bond)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.command(ctx, line); quit {
				return nil
			}
		}
	}
}

func (s *session) current() (listening, connecting uuid.UUID) {
	if w := s.sup.Listening(); w != nil {
		listening = w.ID()
	}
	if w := s.sup.Connecting(); w != nil {
		connecting = w.ID()
	}
	return listening, connecting
}

func (s *session) render(ev connmgr.Event) {
	l, c := s.current()
	if ev.Worker != l && ev.Worker != c && ev.Kind != connmgr.EventClosed {
		// A replaced or stopped worker winding down. Its Closed still shows.
		s.app.log.Debugf("stale %s", ev)
		return
	}
	switch ev.Kind {
	case connmgr.EventDataReceived:
		fmt.Fprintf(s.out, "data: %s", ev.Payload)
		if !strings.HasSuffix(string(ev.Payload), "\n") {
			fmt.Fprintln(s.out)
		}
	case connmgr.EventError:
		fmt.Fprintf(s.out, "error: %s\n", ev.Message())
	case connmgr.EventPeerConnected:
		fmt.Fprintf(s.out, "* connected to server %s\n", ev.Peer.DisplayName())
	case connmgr.EventClientAccepted:
		fmt.Fprintf(s.out, "* got a client %s\n", ev.Peer.DisplayName())
	case connmgr.EventClosed:
		fmt.Fprintf(s.out, "* %s session closed (/listen, /connect <address> or /quit)\n", ev.Role)
	}
}

// command handles one line of user input and reports whether to quit.
func (s *session) command(ctx context.Context, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}
	switch verb {
	case "/quit":
		return true
	case "/hello":
		s.send([]byte("Hello\n"))
	case "/hi":
		s.send([]byte("Hi\n"))
	case "/stop":
		s.control(ctx, func(ctx context.Context) error { return s.sup.StopListening(ctx) })
	case "/listen":
		s.control(ctx, func(ctx context.Context) error {
			_, err := s.sup.Listen(ctx)
			return err
		})
	case "/connect":
		if len(fields) != 2 {
			fmt.Fprintln(s.out, "usage: /connect <address>")
			return false
		}
		s.control(ctx, func(ctx context.Context) error {
			peer, err := s.app.adapter.PeerByAddress(ctx, fields[1])
			if err != nil {
				return err
			}
			_, err = s.sup.ConnectTo(ctx, peer)
			return err
		})
	case "/disconnect":
		s.control(ctx, s.sup.Disconnect)
	default:
		if line == "" {
			return false
		}
		s.send([]byte(line + "\n"))
	}
	return false
}

func (s *session) send(p []byte) {
	if err := s.sup.Send(p); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

// control runs a lifecycle call. Replacing a worker waits for the old one,
// which is bounded because cancellation closes its handles.
func (s *session) control(ctx context.Context, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

// readLines feeds stdin to the session. The goroutine blocks in Read and is
// left behind when the session ends; the process exits right after.
func readLines(in *bufio.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				ch <- line
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
