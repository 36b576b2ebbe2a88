package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bolt", cfg.Engine)
	assert.Equal(t, time.Second, cfg.LockTimeout.Duration)
	assert.False(t, cfg.Pool.Enabled)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel())

	o := cfg.Options()
	assert.Equal(t, "default", o.Keyspace)
	assert.Equal(t, os.FileMode(0664), o.FileMode)
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvshim.yaml")
	doc := `
engine: pebble
lockTimeout: 250ms
pool:
  enabled: true
  ttl: 5s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "pebble", cfg.Engine)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout.Duration)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Pool.TTL.Duration)
	assert.Equal(t, 16, cfg.Pool.Capacity, "unset fields keep their defaults")
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvshim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engin: bolt\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvshim.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"keyspace": "main", "noSync": true}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Keyspace)
	assert.True(t, cfg.NoSync)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvshim.toml")
	doc := `
engine = "bolt"
lock_timeout = "3s"
mmap_size = 1048576

[pool]
enabled = true
capacity = 2

[metrics]
file = "/tmp/kvshim.prom"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3*time.Second, cfg.LockTimeout.Duration)
	assert.Equal(t, 1048576, cfg.MmapSize)
	assert.Equal(t, 2, cfg.Pool.Capacity)
	assert.Equal(t, "/tmp/kvshim.prom", cfg.Metrics.File)
	assert.Equal(t, 1048576, cfg.Options().InitialMmapSize)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KVSHIM_ENGINE", "pebble")
	t.Setenv("KVSHIM_LOCK_TIMEOUT", "2s")
	t.Setenv("KVSHIM_POOL", "true")
	t.Setenv("KVSHIM_LOG_LEVEL", "error")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "pebble", cfg.Engine)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout.Duration)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, slog.LevelError, cfg.LogLevel())
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)

	t.Setenv("KVSHIM_POOL", "maybe")
	require.Error(t, cfg.ApplyEnv())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown engine", func(c *Config) { c.Engine = "lmdb" }},
		{"empty keyspace", func(c *Config) { c.Keyspace = "" }},
		{"negative timeout", func(c *Config) { c.LockTimeout.Duration = -time.Second }},
		{"pool without capacity", func(c *Config) { c.Pool.Enabled = true; c.Pool.Capacity = 0 }},
		{"pool without ttl", func(c *Config) { c.Pool.Enabled = true; c.Pool.TTL.Duration = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
