package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"sigs.k8s.io/yaml"

	"github.com/aep/kvshim/kv"
)

type Config struct {
	Engine      string          `json:"engine" toml:"engine"`
	Keyspace    string          `json:"keyspace" toml:"keyspace"`
	LockTimeout Duration        `json:"lockTimeout" toml:"lock_timeout"`
	NoSync      bool            `json:"noSync" toml:"no_sync"`
	MmapSize    int             `json:"mmapSize" toml:"mmap_size"`
	Pool        PoolConfig      `json:"pool" toml:"pool"`
	Log         LogConfig       `json:"log" toml:"log"`
	Metrics     MetricsConfig   `json:"metrics" toml:"metrics"`
	Telemetry   TelemetryConfig `json:"telemetry" toml:"telemetry"`
}

type PoolConfig struct {
	Enabled  bool     `json:"enabled" toml:"enabled"`
	Capacity int      `json:"capacity" toml:"capacity"`
	TTL      Duration `json:"ttl" toml:"ttl"`
}

type LogConfig struct {
	Level string `json:"level" toml:"level"`
}

type MetricsConfig struct {
	File string `json:"file" toml:"file"`
}

type TelemetryConfig struct {
	Endpoint string `json:"endpoint" toml:"endpoint"`
}

// Duration reads "1s" style strings from any of the config formats.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %s", b)
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Engine:      "bolt",
		Keyspace:    "default",
		LockTimeout: Duration{time.Second},
		Pool: PoolConfig{
			Capacity: 16,
			TTL:      Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load reads a config file on top of the defaults. The format follows the
// extension: .toml for TOML, anything else is YAML (which includes JSON).
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	return cfg, nil
}

// ApplyEnv overrides fields from KVSHIM_* variables and the standard
// OpenTelemetry endpoint variable.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("KVSHIM_ENGINE"); v != "" {
		c.Engine = v
	}
	if v := os.Getenv("KVSHIM_KEYSPACE"); v != "" {
		c.Keyspace = v
	}
	if v := os.Getenv("KVSHIM_LOCK_TIMEOUT"); v != "" {
		if err := c.LockTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("KVSHIM_LOCK_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("KVSHIM_POOL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KVSHIM_POOL: %w", err)
		}
		c.Pool.Enabled = b
	}
	if v := os.Getenv("KVSHIM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("KVSHIM_METRICS_FILE"); v != "" {
		c.Metrics.File = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := kv.Lookup(c.Engine); err != nil {
		return fmt.Errorf("validation error: engine: %w", err)
	}
	if c.Keyspace == "" {
		return fmt.Errorf("validation error: keyspace must not be empty")
	}
	if len(c.Keyspace) > 255 {
		return fmt.Errorf("validation error: keyspace must be less than 256 bytes")
	}
	if c.LockTimeout.Duration < 0 {
		return fmt.Errorf("validation error: lockTimeout must not be negative")
	}
	if c.MmapSize < 0 {
		return fmt.Errorf("validation error: mmapSize must not be negative")
	}
	if c.Pool.Enabled {
		if c.Pool.Capacity < 1 {
			return fmt.Errorf("validation error: pool.capacity must be at least 1")
		}
		if c.Pool.TTL.Duration <= 0 {
			return fmt.Errorf("validation error: pool.ttl must be positive")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("validation error: log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Options translates the config into engine open options.
func (c *Config) Options() kv.Options {
	o := kv.DefaultOptions()
	o.Keyspace = c.Keyspace
	o.LockTimeout = c.LockTimeout.Duration
	o.NoSync = c.NoSync
	o.InitialMmapSize = c.MmapSize
	return o
}

func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
