// Package config loads server configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds all configuration values for the server.
type Config struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout Duration      `yaml:"shutdownTimeout"`
	WatchFiles      bool          `yaml:"watchFiles"`
	Session         SessionConfig `yaml:"session"`
	Store           StoreConfig   `yaml:"store"`
	Log             LogConfig     `yaml:"log"`
}

// SessionConfig configures the process supervisor.
type SessionConfig struct {
	MaxSessions   int    `yaml:"maxSessions"`
	Executable    string `yaml:"executable"`
	MCPServerPath string `yaml:"mcpServerPath"`
	MCPServerName string `yaml:"mcpServerName"`
	BackendURL    string `yaml:"backendURL"`
	DefaultUser   string `yaml:"defaultUser"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that reads and writes YAML as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:            3001,
		ShutdownTimeout: Duration{10 * time.Second},
		WatchFiles:      true,
		Session: SessionConfig{
			MaxSessions:   5,
			Executable:    "claude",
			MCPServerName: "actionflows-dashboard",
			BackendURL:    "http://localhost:3001",
		},
		Store: StoreConfig{Driver: DriverMemory},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML overlays data onto cfg. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	if err := num("PORT", &c.Port); err != nil {
		return err
	}
	if err := num("AFW_CLAUDE_CLI_MAX_SESSIONS", &c.Session.MaxSessions); err != nil {
		return err
	}
	str("CLAUDE_BINARY", &c.Session.Executable)
	str("AFW_MCP_SERVER_PATH", &c.Session.MCPServerPath)
	str("AFW_MCP_SERVER_NAME", &c.Session.MCPServerName)
	str("AFW_BACKEND_URL", &c.Session.BackendURL)
	str("AFW_USER", &c.Session.DefaultUser)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("WATCH_FILES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid WATCH_FILES %q: %w", v, err)
		}
		c.WatchFiles = b
	}
	if v, ok := lookup("SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SHUTDOWN_TIMEOUT %q: %w", v, err)
		}
		c.ShutdownTimeout = Duration{d}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.maxSessions must be positive, got %d", c.Session.MaxSessions)
	}
	if c.Session.Executable == "" {
		return fmt.Errorf("session.executable is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("shutdownTimeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
