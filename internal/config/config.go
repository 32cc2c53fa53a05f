package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/internal/connmgr"
)

const (
	// AppDirectoryName is the per-user configuration directory name.
	AppDirectoryName = "peerlink"
	// DefaultScanTimeout bounds one `scan` run.
	DefaultScanTimeout = 15 * time.Second
	// configFileName is the configuration file inside the directory.
	configFileName = "config.json"
	// configDirEnv overrides the configuration directory.
	configDirEnv = "PEERLINK_CONFIG_DIR"
)

// Duration is a time.Duration encoded as a Go duration string ("15s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the settings of the peerlink tool.
type Config struct {
	// Adapter is the local adapter name ("hci0"). Empty picks the first one.
	Adapter        string   `json:"adapter"`
	ServiceName    string   `json:"service_name"`
	ServiceUUID    string   `json:"service_uuid"`
	Channel        uint16   `json:"channel"`
	ScanTimeout    Duration `json:"scan_timeout"`
	ReadBufferSize int      `json:"read_buffer_size"`
	LogLevel       string   `json:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServiceName:    connmgr.DefaultServiceName,
		ServiceUUID:    connmgr.SPPUUID,
		Channel:        connmgr.DefaultRFCOMMChannel,
		ScanTimeout:    Duration(DefaultScanTimeout),
		ReadBufferSize: connmgr.DefaultReadBufferSize,
		LogLevel:       "info",
	}
}

// ResolveDir returns the configuration directory.
//
// If PEERLINK_CONFIG_DIR is set, its value is used as an explicit override.
func ResolveDir() (string, error) {
	if override := os.Getenv(configDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// DefaultPath returns the config.json path inside ResolveDir.
func DefaultPath() (string, error) {
	dir, err := ResolveDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg as indented JSON, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside BlueZ.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("service_name is required")
	}
	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid %q: %w", c.ServiceUUID, err)
	}
	if c.Channel < 1 || c.Channel > 30 {
		return fmt.Errorf("channel %d out of range 1-30", c.Channel)
	}
	if c.ScanTimeout <= 0 {
		return errors.New("scan_timeout must be positive")
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("read_buffer_size must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Service returns the service both roles use.
func (c Config) Service() (connmgr.Service, error) {
	id, err := uuid.Parse(c.ServiceUUID)
	if err != nil {
		return connmgr.Service{}, fmt.Errorf("service_uuid %q: %w", c.ServiceUUID, err)
	}
	return connmgr.Service{Name: c.ServiceName, UUID: id, Channel: c.Channel}, nil
}
