// ABOUTME: Configuration loading and parsing for coven-board
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-board configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	CSRF      CSRFConfig      `yaml:"csrf" toml:"csrf"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Board     BoardConfig     `yaml:"board" toml:"board"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// SecureCookies marks session and CSRF cookies Secure. Enable behind TLS.
	SecureCookies bool `yaml:"secure_cookies" toml:"secure_cookies"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve TLS with the node's certificate
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// SessionsConfig holds login session configuration
type SessionsConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend string `yaml:"backend" toml:"backend"`

	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	CleanupInterval   time.Duration `yaml:"-" toml:"-"`

	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// CSRFConfig holds anti-forgery token configuration
type CSRFConfig struct {
	Secret      string `yaml:"secret" toml:"secret"`
	RequireHTMX bool   `yaml:"require_htmx" toml:"require_htmx"`

	TokenTTL         time.Duration `yaml:"-" toml:"-"`
	RotationInterval time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw         string `yaml:"token_ttl" toml:"token_ttl"`
	RotationIntervalRaw string `yaml:"rotation_interval" toml:"rotation_interval"`
}

// EventsConfig holds event bus and stream configuration
type EventsConfig struct {
	QueueCapacity int `yaml:"queue_capacity" toml:"queue_capacity"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// BoardConfig holds message board configuration
type BoardConfig struct {
	ListLimit int `yaml:"list_limit" toml:"list_limit"`
}

// RateLimitConfig holds login throttling configuration
type RateLimitConfig struct {
	LoginPerMinute float64 `yaml:"login_per_minute" toml:"login_per_minute"`
	LoginBurst     int     `yaml:"login_burst" toml:"login_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path from COVEN_BOARD_CONFIG, or
// ~/.config/coven/board.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_BOARD_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "board.yaml"
	}
	return filepath.Join(home, ".config", "coven", "board.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "sqlite"
	}
	if c.Sessions.InactivityTimeout == 0 {
		c.Sessions.InactivityTimeout = 24 * time.Hour
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 10 * time.Minute
	}
	if c.CSRF.TokenTTL == 0 {
		c.CSRF.TokenTTL = 12 * time.Hour
	}
	if c.Events.QueueCapacity == 0 {
		c.Events.QueueCapacity = 255
	}
	if c.Events.HeartbeatInterval == 0 {
		c.Events.HeartbeatInterval = 15 * time.Second
	}
	if c.Events.WriteTimeout == 0 {
		c.Events.WriteTimeout = 10 * time.Second
	}
	if c.Board.ListLimit == 0 {
		c.Board.ListLimit = 500
	}
	if c.RateLimit.LoginPerMinute == 0 {
		c.RateLimit.LoginPerMinute = 10
	}
	if c.RateLimit.LoginBurst == 0 {
		c.RateLimit.LoginBurst = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Sessions.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("sessions.backend must be sqlite or memory, got %q", c.Sessions.Backend)
	}

	if c.CSRF.Secret != "" && len(c.CSRF.Secret) < 32 {
		return fmt.Errorf("csrf.secret must be at least 32 bytes")
	}

	if c.Events.QueueCapacity < 1 {
		return fmt.Errorf("events.queue_capacity must be positive")
	}
	if c.Events.HeartbeatInterval < time.Second {
		return fmt.Errorf("events.heartbeat_interval must be at least 1s")
	}

	if c.Board.ListLimit < 0 {
		return fmt.Errorf("board.list_limit must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"sessions.inactivity_timeout", cfg.Sessions.InactivityTimeoutRaw, &cfg.Sessions.InactivityTimeout},
		{"sessions.cleanup_interval", cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval},
		{"csrf.token_ttl", cfg.CSRF.TokenTTLRaw, &cfg.CSRF.TokenTTL},
		{"csrf.rotation_interval", cfg.CSRF.RotationIntervalRaw, &cfg.CSRF.RotationInterval},
		{"events.heartbeat_interval", cfg.Events.HeartbeatIntervalRaw, &cfg.Events.HeartbeatInterval},
		{"events.write_timeout", cfg.Events.WriteTimeoutRaw, &cfg.Events.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// Template returns a starter YAML config using the given CSRF secret.
func Template(dbPath, csrfSecret string) string {
	return fmt.Sprintf(`server:
  http_addr: "127.0.0.1:8080"
  secure_cookies: false

database:
  driver: "sqlite"
  path: %q

sessions:
  backend: "sqlite"
  inactivity_timeout: "24h"
  cleanup_interval: "10m"

csrf:
  secret: %q
  token_ttl: "12h"
  rotation_interval: "24h"
  require_htmx: false

events:
  queue_capacity: 255
  heartbeat_interval: "15s"
  write_timeout: "10s"

board:
  list_limit: 500

ratelimit:
  login_per_minute: 10
  login_burst: 5

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, dbPath, csrfSecret)
}
