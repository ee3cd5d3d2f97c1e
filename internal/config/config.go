// ABOUTME: Configuration loading and parsing for quill-gateway
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

// MinSecretLength is the minimum accepted auth.jwt_secret length in bytes.
const MinSecretLength = 32

// Defaults applied by Load for unset fields.
const (
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultTokenTTL       = 7 * 24 * time.Hour
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultHistorySize    = 1000
	DefaultSubjectPrefix  = "quill.events"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config represents the complete quill-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Broker     BrokerConfig     `yaml:"broker" toml:"broker"`
	Events     EventsConfig     `yaml:"events" toml:"events"`
	Revocation RevocationConfig `yaml:"revocation" toml:"revocation"`
	Relay      RelayConfig      `yaml:"relay" toml:"relay"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration. An empty GRPCAddr
// disables the gRPC health endpoint.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// BrokerConfig holds message routing timing configuration
type BrokerConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	PollInterval   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`
}

// EventsConfig holds event bus configuration
type EventsConfig struct {
	HistorySize int `yaml:"history_size" toml:"history_size"`
}

// RevocationConfig selects the token denylist. Empty RedisURL keeps it in
// memory.
type RevocationConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
}

// RelayConfig enables mirroring bus events to NATS when NATSURL is set.
type RelayConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config path from QUILL_CONFIG, falling back to
// $XDG_CONFIG_HOME/quill/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("QUILL_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "quill", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = DefaultRequestTimeout
	}
	if c.Broker.PollInterval == 0 {
		c.Broker.PollInterval = DefaultPollInterval
	}
	if c.Events.HistorySize == 0 {
		c.Events.HistorySize = DefaultHistorySize
	}
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}

	if c.Auth.TokenTTL < 0 || c.Broker.RequestTimeout < 0 || c.Broker.PollInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if c.Events.HistorySize < 0 {
		return fmt.Errorf("events.history_size must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text, console", c.Logging.Format)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"broker.request_timeout", cfg.Broker.RequestTimeoutRaw, &cfg.Broker.RequestTimeout},
		{"broker.poll_interval", cfg.Broker.PollIntervalRaw, &cfg.Broker.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
