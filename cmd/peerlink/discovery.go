//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"peerlink/internal/connmgr"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan for nearby devices",
	Long:  `scans for the configured duration and lists each device once, in the order it was first found`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()
		return runScan(cmd.Context(), a, cmd.OutOrStdout())
	},
}

func runScan(ctx context.Context, a *app, out io.Writer) error {
	if err := a.adapter.PowerOn(ctx); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	scanner := connmgr.NewScanner(a.adapter, a.log)
	if err := scanner.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := scanner.Stop(sctx); err != nil {
			a.log.WithError(err).Warn("stop scan")
		}
	}()

	fmt.Fprintf(out, "Scanning for %s...\n", time.Duration(a.cfg.ScanTimeout))
	events := a.adapter.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if scanner.Handle(ev) {
				peers := scanner.Peers()
				printPeer(out, len(peers)-1, peers[len(peers)-1])
			}
			if ev.Kind == connmgr.AdapterBondChanged {
				fmt.Fprintf(out, "%s: %s\n", ev.Peer.DisplayName(), ev.Peer.Bond)
			}
		}
	}
	if len(scanner.Peers()) == 0 {
		fmt.Fprintln(out, "no devices found")
	}
	return nil
}

func printPeer(out io.Writer, i int, p connmgr.Peer) {
	name := p.DisplayName()
	if name == p.Address {
		name = "-"
	}
	fmt.Fprintf(out, "[%d] %s %s (%s)\n", i, p.Address, name, p.Bond)
}

var pairedCmd = &cobra.Command{
	Use:   "paired",
	Short: "list paired devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := a.opContext(cmd.Context())
		defer cancel()
		peers, err := connmgr.NewScanner(a.adapter, a.log).Paired(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(peers) == 0 {
			fmt.Fprintln(out, "no paired devices")
			return nil
		}
		for i, p := range peers {
			printPeer(out, i, p)
		}
		return nil
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair address",
	Short: "pair with a device found by a previous scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := a.opContext(cmd.Context())
		defer cancel()
		peer, err := a.adapter.PeerByAddress(ctx, args[0])
		if err != nil {
			return err
		}
		if err := connmgr.NewScanner(a.adapter, a.log).Bond(ctx, peer); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "paired with %s\n", peer.DisplayName())
		return nil
	},
}

var visibleCmd = &cobra.Command{
	Use:       "visible [on|off]",
	Short:     "make this adapter discoverable",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on := true
		if len(args) == 1 {
			switch strings.ToLower(args[0]) {
			case "on":
			case "off":
				on = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
		}
		a, done, err := setup(cmd)
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := a.opContext(cmd.Context())
		defer cancel()
		if err := a.adapter.PowerOn(ctx); err != nil {
			return err
		}
		if err := a.adapter.SetDiscoverable(ctx, on); err != nil {
			return err
		}
		state := "visible"
		if !on {
			state = "hidden"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "adapter %s is %s\n", a.adapter.Path(), state)
		return nil
	},
}
