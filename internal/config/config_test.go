package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.PendingTTL())
	assert.Equal(t, 5*time.Minute, cfg.SemaphoreTTL())
	assert.Equal(t, 5*time.Minute, cfg.VMGrace())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/vcl
pending_key_path: /srv/vcl/pending.key
pending_ttl_minutes: 30
socket_path: /srv/vcl/run/vcld.sock
metrics_listen: 127.0.0.1:9464
log_level: debug
log_format: json
semaphore_max_attempts: 8
semaphore_ttl_seconds: 60
vm_grace_minutes: 0
management_node_id: 4
batch_rate_qps: -1
batch_rate_burst: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "/srv/vcl/vclsched.db", cfg.DBPath)
	assert.Equal(t, "/srv/vcl/pending.db", cfg.PendingDBPath)
	assert.Equal(t, "/srv/vcl/pending.key", cfg.PendingKeyPath)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL())
	assert.Equal(t, "/srv/vcl/run/vcld.sock", cfg.SocketPath)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsListen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8, cfg.SemaphoreMaxAttempts)
	assert.Equal(t, time.Minute, cfg.SemaphoreTTL())
	assert.Zero(t, cfg.VMGrace())
	assert.Equal(t, 4, cfg.ManagementNodeID)
	assert.Equal(t, -1.0, cfg.BatchRateQPS)
	assert.Equal(t, 2, cfg.BatchRateBurst)
}

func TestLoadExplicitPathsWinOverDataDir(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/vcl\ndb_path: /db/main.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/db/main.db", cfg.DBPath)
	assert.Equal(t, "/srv/vcl/pending.db", cfg.PendingDBPath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "data_dir: [oops"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, "metrics_listen: 0.0.0.0:9464\n"))
	assert.ErrorContains(t, err, "localhost-only")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"db path", func(c *Config) { c.DBPath = "" }, "db_path is required"},
		{"pending path", func(c *Config) { c.PendingDBPath = "" }, "pending_db_path is required"},
		{"key path", func(c *Config) { c.PendingKeyPath = "" }, "pending_key_path is required"},
		{"socket", func(c *Config) { c.SocketPath = "" }, "socket_path is required"},
		{"shared db", func(c *Config) { c.PendingDBPath = c.DBPath }, "pending_db_path must differ"},
		{"ttl", func(c *Config) { c.PendingTTLMinutes = 0 }, "pending_ttl_minutes"},
		{"attempts", func(c *Config) { c.SemaphoreMaxAttempts = 0 }, "semaphore_max_attempts"},
		{"semaphore ttl", func(c *Config) { c.SemaphoreTTLSeconds = -1 }, "semaphore_ttl_seconds"},
		{"grace", func(c *Config) { c.VMGraceMinutes = -1 }, "vm_grace_minutes"},
		{"node", func(c *Config) { c.ManagementNodeID = -2 }, "management_node_id"},
		{"burst", func(c *Config) { c.BatchRateBurst = 0 }, "batch_rate_burst"},
		{"level", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"metrics port", func(c *Config) { c.MetricsListen = "localhost" }, "host:port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAcceptsLoopbackMetrics(t *testing.T) {
	for _, listen := range []string{"localhost:9464", "127.0.0.1:9464", "[::1]:9464"} {
		cfg := DefaultConfig()
		cfg.MetricsListen = listen
		assert.NoError(t, cfg.Validate(), listen)
	}
}

func TestLoadDefaultWithoutFile(t *testing.T) {
	if _, err := os.Stat(DefaultConfig().ConfigPath); err == nil {
		t.Skip("default config file present on this host")
	}
	cfg, found, err := LoadDefault()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, DefaultConfig(), cfg)
}
