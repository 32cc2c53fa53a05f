//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerlink/internal/bluez"
	"peerlink/internal/config"
	"peerlink/internal/connmgr"
	"peerlink/internal/logger"
)

var flags struct {
	configPath string
	adapter    string
	name       string
	uuid       string
	channel    uint16
	logLevel   string
	timeout    time.Duration
}

var rootCmd = &cobra.Command{
	Use:           "peerlink",
	Short:         "Bluetooth RFCOMM peer connection manager",
	Long:          `peerlink discovers nearby Bluetooth devices, pairs with them and holds one RFCOMM byte stream with a peer`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "peerlink:", err)
		return 1
	}
	return 0
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default: $PEERLINK_CONFIG_DIR or user config dir)/config.json")
	pf.StringVar(&flags.adapter, "adapter", "", "adapter name, e.g. hci0")
	pf.StringVar(&flags.name, "name", "", "SPP service name")
	pf.StringVar(&flags.uuid, "uuid", "", "service UUID")
	pf.Uint16Var(&flags.channel, "channel", 0, "RFCOMM channel of the listening side")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.DurationVar(&flags.timeout, "timeout", 0, "scan duration / operation timeout")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pairedCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(visibleCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(connectCmd)
}

// app is what every subcommand needs once flags and config are resolved.
type app struct {
	cfg     config.Config
	svc     connmgr.Service
	log     *logrus.Logger
	adapter *bluez.Adapter
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := flags.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	pf := cmd.Flags()
	if pf.Changed("adapter") {
		cfg.Adapter = flags.adapter
	}
	if pf.Changed("name") {
		cfg.ServiceName = flags.name
	}
	if pf.Changed("uuid") {
		cfg.ServiceUUID = flags.uuid
	}
	if pf.Changed("channel") {
		cfg.Channel = flags.channel
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if pf.Changed("timeout") {
		cfg.ScanTimeout = config.Duration(flags.timeout)
	}
	return cfg, cfg.Validate()
}

// setup resolves configuration and opens the adapter. The caller must call
// close when done.
func setup(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	svc, err := cfg.Service()
	if err != nil {
		return nil, nil, err
	}
	adapter, err := bluez.Open(cmd.Context(), bluez.Options{Adapter: cfg.Adapter, Log: log})
	if err != nil {
		return nil, nil, err
	}
	log.WithField("adapter", adapter.Path()).Debug("adapter opened")
	closeFn := func() {
		if err := adapter.Close(); err != nil {
			log.WithError(err).Warn("close adapter")
		}
	}
	return &app{cfg: cfg, svc: svc, log: log, adapter: adapter}, closeFn, nil
}

// opContext bounds a single radio call by the configured timeout.
func (a *app) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(a.cfg.ScanTimeout))
}
