// Package config loads and validates the shale server configuration.
//
// Configuration is read from a YAML file; every field has a default so an
// absent file yields a working single-node pool. CLI flags override file
// values after loading.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Eviction policies accepted by pool.eviction.
const (
	EvictionReject      = "reject"
	EvictionEvictOldest = "evict-oldest"
)

// Config represents the complete shale configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Pool    PoolConfig    `yaml:"pool" json:"pool"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the host:port to listen on
	Addr string `yaml:"addr" json:"addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// MaxConnections caps simultaneous client connections (0 = unlimited)
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// PoolConfig controls session capacity and lifecycle
type PoolConfig struct {
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	// Eviction is "reject" or "evict-oldest"
	Eviction string `yaml:"eviction" json:"eviction"`

	// IdleTimeout reaps unreserved sessions unused for this long (0 = never)
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`

	SpawnTimeout     time.Duration `yaml:"spawn_timeout" json:"spawn_timeout"`
	SpawnConcurrency int           `yaml:"spawn_concurrency" json:"spawn_concurrency"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout" json:"terminate_timeout"`

	// SupportedBrowsers is matched exactly and case-sensitively
	SupportedBrowsers []string `yaml:"supported_browsers" json:"supported_browsers"`

	// BrowserAliases maps browser names onto the engine that launches them.
	// Entries from the file are merged over the defaults.
	BrowserAliases map[string]string `yaml:"browser_aliases" json:"browser_aliases"`

	Headless bool `yaml:"headless" json:"headless"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level"`

	// Dir holds log files; empty logs to stderr
	Dir string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns a configuration suitable for a local single-node pool
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "localhost:5000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxConnections:  256,
		},
		Pool: PoolConfig{
			MaxSessions:       5,
			Eviction:          EvictionReject,
			IdleTimeout:       5 * time.Minute,
			ReapInterval:      30 * time.Second,
			SpawnTimeout:      60 * time.Second,
			SpawnConcurrency:  2,
			TerminateTimeout:  30 * time.Second,
			SupportedBrowsers: []string{"chromium", "firefox", "webkit", "phantomjs"},
			BrowserAliases:    map[string]string{"phantomjs": "chromium"},
			Headless:          true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}

	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.Eviction != EvictionReject && c.Pool.Eviction != EvictionEvictOldest {
		return fmt.Errorf("invalid pool.eviction: %s (must be '%s' or '%s')", c.Pool.Eviction, EvictionReject, EvictionEvictOldest)
	}
	if c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("pool.idle_timeout cannot be negative")
	}
	if c.Pool.IdleTimeout > 0 && c.Pool.ReapInterval <= 0 {
		return fmt.Errorf("pool.reap_interval must be positive when idle_timeout is set")
	}
	if c.Pool.SpawnTimeout < 0 {
		return fmt.Errorf("pool.spawn_timeout cannot be negative")
	}
	if c.Pool.TerminateTimeout <= 0 {
		return fmt.Errorf("pool.terminate_timeout must be positive")
	}
	if c.Pool.SpawnConcurrency < 1 {
		return fmt.Errorf("pool.spawn_concurrency must be at least 1")
	}
	if len(c.Pool.SupportedBrowsers) == 0 {
		return fmt.Errorf("pool.supported_browsers must list at least one browser")
	}
	for _, name := range c.Pool.SupportedBrowsers {
		if name == "" {
			return fmt.Errorf("pool.supported_browsers contains an empty name")
		}
	}
	for name, engine := range c.Pool.BrowserAliases {
		if name == "" || engine == "" {
			return fmt.Errorf("pool.browser_aliases entry %q: %q needs a name and an engine", name, engine)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	return nil
}
