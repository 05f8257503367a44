package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROXYFLEET_API_KEY", "PROXYFLEET_LISTEN", "PROXYFLEET_DEBUG",
		"PROXYFLEET_DATA_DIR", "PROXYFLEET_LOG_DIR", "PROXYFLEET_FORWARD_BINARY",
		"PROXYFLEET_TUNNEL_BINARY", "PROXYFLEET_PORT_RANGE",
		"PROXYFLEET_STOP_TIMEOUT", "PROXYFLEET_SWEEP_INTERVAL", "PROXYFLEET_CONFIG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXYFLEET_API_KEY", "test-key")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "127.0.0.1:7433", cfg.Listen)
	assert.Equal(t, "/var/lib/proxyfleet", cfg.DataDir)
	assert.Equal(t, "/usr/bin/3proxy", cfg.ForwardBinary)
	assert.Equal(t, "/usr/bin/sniproxy", cfg.TunnelBinary)
	assert.Equal(t, 30000, cfg.PortRangeLow)
	assert.Equal(t, 30999, cfg.PortRangeHigh)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, "@every 30s", cfg.SweepInterval)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROXYFLEET_API_KEY")
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXYFLEET_API_KEY", "test-key")
	t.Setenv("PROXYFLEET_LISTEN", "0.0.0.0:9000")
	t.Setenv("PROXYFLEET_PORT_RANGE", "20000-20050")
	t.Setenv("PROXYFLEET_STOP_TIMEOUT", "2s")
	t.Setenv("PROXYFLEET_SWEEP_INTERVAL", "off")
	t.Setenv("PROXYFLEET_DEBUG", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 20000, cfg.PortRangeLow)
	assert.Equal(t, 20050, cfg.PortRangeHigh)
	assert.Equal(t, 2*time.Second, cfg.StopTimeout)
	assert.Empty(t, cfg.SweepInterval)
	assert.True(t, cfg.Debug)
}

func TestLoadYAMLFileWithEnvWinning(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "proxyfleet.yaml")
	yaml := `
api_key: file-key
listen: 0.0.0.0:8111
data_dir: /tmp/proxyfleet-test
port_range_low: 25000
port_range_high: 25100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("PROXYFLEET_CONFIG", path)
	t.Setenv("PROXYFLEET_LISTEN", "127.0.0.1:8222")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, "127.0.0.1:8222", cfg.Listen, "environment beats the file")
	assert.Equal(t, "/tmp/proxyfleet-test", cfg.DataDir)
	assert.Equal(t, 25000, cfg.PortRangeLow)
	assert.Equal(t, 25100, cfg.PortRangeHigh)
}

func TestLoadRejectsBadPortRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXYFLEET_API_KEY", "test-key")

	for _, raw := range []string{"nope", "30999-30000", "0-70000", "1234"} {
		t.Setenv("PROXYFLEET_PORT_RANGE", raw)
		_, err := config.Load()
		assert.Error(t, err, raw)
	}
}
