package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/connmgr"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"adapter":"hci1","service_name":"Chat","channel":3,"scan_timeout":"30s"}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hci1", cfg.Adapter)
	assert.Equal(t, "Chat", cfg.ServiceName)
	assert.Equal(t, uint16(3), cfg.Channel)
	assert.Equal(t, Duration(30*time.Second), cfg.ScanTimeout)
	assert.Equal(t, connmgr.SPPUUID, cfg.ServiceUUID, "unset keys keep their default")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad uuid":     `{"service_uuid":"not-a-uuid"}`,
		"bad channel":  `{"channel":31}`,
		"bad duration": `{"scan_timeout":"soon"}`,
		"bad level":    `{"log_level":"loud"}`,
		"empty name":   `{"service_name":"  "}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.ServiceName = "Saved"
	cfg.ScanTimeout = Duration(time.Minute)
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestResolveDirHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnv, dir)

	got, err := ResolveDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.json"), path)
}

func TestService(t *testing.T) {
	svc, err := Default().Service()
	require.NoError(t, err)
	assert.Equal(t, connmgr.DefaultService(), svc)
}
