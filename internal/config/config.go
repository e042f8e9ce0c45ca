// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML files with environment variable expansion, overrides, and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the shortest accepted JWT signing secret in bytes
const MinSecretLength = 32

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Nodes      NodesConfig      `yaml:"nodes"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Logs       LogsConfig       `yaml:"logs"`
	Release    ReleaseConfig    `yaml:"release"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // optional; serves gRPC health when set
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`      // serve HTTPS with tailnet certificates
	Funnel    bool   `yaml:"funnel"`     // Enable public Funnel (implies HTTPS)
	DialNodes bool   `yaml:"dial_nodes"` // reach nodes through the tailnet
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds credential verification configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// RenewalMinutes is how long past expiry a token may still be renewed; 0 disables renewal
	RenewalMinutes int `yaml:"renewal_minutes"`

	// LegacyHeader carries the older single-token credential
	LegacyHeader string `yaml:"legacy_header"`

	// ExemptPrefixes are path prefixes that bypass authentication entirely
	ExemptPrefixes []string `yaml:"exempt_prefixes"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// RenewalWindow returns the renewal grace period as a duration
func (a AuthConfig) RenewalWindow() time.Duration {
	return time.Duration(a.RenewalMinutes) * time.Minute
}

// SessionsConfig selects and tunes the session store
type SessionsConfig struct {
	Backend    string      `yaml:"backend"` // memory or redis
	CookieName string      `yaml:"cookie_name"`
	Redis      RedisConfig `yaml:"redis"`

	TTL                time.Duration `yaml:"-"`
	CleanupInterval    time.Duration `yaml:"-"`
	TTLRaw             string        `yaml:"ttl"`
	CleanupIntervalRaw string        `yaml:"cleanup_interval"`
}

// RedisConfig holds connection settings for the redis session backend
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NodesConfig holds node registry sources
type NodesConfig struct {
	File  string `yaml:"file"`  // optional TOML file of [[node]] tables
	Watch bool   `yaml:"watch"` // reload File on change
	// SyncInterval re-reads nodes persisted in the database; negative disables
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// ForwardingConfig tunes the forwarding proxy
type ForwardingConfig struct {
	SecretHeader     string `yaml:"secret_header"`
	MaxBufferedBytes int64  `yaml:"max_buffered_bytes"`

	Timeout        time.Duration `yaml:"-"`
	DialTimeout    time.Duration `yaml:"-"`
	TimeoutRaw     string        `yaml:"timeout"`
	DialTimeoutRaw string        `yaml:"dial_timeout"`
}

// LogsConfig holds the local log directory served by the log routes
type LogsConfig struct {
	Dir       string        `yaml:"dir"`
	MinAge    time.Duration `yaml:"-"`
	MinAgeRaw string        `yaml:"min_age"`
}

// ReleaseConfig holds the release check settings
type ReleaseConfig struct {
	URL       string `yaml:"url"`
	CacheFile string `yaml:"cache_file"`

	CacheTTL    time.Duration `yaml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// envOverrides are environment variables that win over the file
type envOverrides struct {
	DBPath    string `env:"FLEET_DB_PATH"`
	HTTPAddr  string `env:"FLEET_HTTP_ADDR"`
	GRPCAddr  string `env:"FLEET_GRPC_ADDR"`
	JWTSecret string `env:"FLEET_JWT_SECRET"`
	RedisAddr string `env:"FLEET_REDIS_ADDR"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		// No FLEET_* variables set is the common case
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	if env.DBPath != "" {
		cfg.Database.Path = env.DBPath
	}
	if env.HTTPAddr != "" {
		cfg.Server.HTTPAddr = env.HTTPAddr
	}
	if env.GRPCAddr != "" {
		cfg.Server.GRPCAddr = env.GRPCAddr
	}
	if env.JWTSecret != "" {
		cfg.Auth.JWTSecret = env.JWTSecret
	}
	if env.RedisAddr != "" {
		cfg.Sessions.Redis.Addr = env.RedisAddr
	}
	return nil
}

// applyDefaults fills unset optional fields
func applyDefaults(cfg *Config) {
	if cfg.Auth.LegacyHeader == "" {
		cfg.Auth.LegacyHeader = "X-Fleet-Token"
	}
	if cfg.Auth.ExemptPrefixes == nil {
		cfg.Auth.ExemptPrefixes = []string{"/api/open/"}
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Sessions.CookieName == "" {
		cfg.Sessions.CookieName = "fleet_session"
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 12 * time.Hour
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = time.Minute
	}
	if cfg.Sessions.Redis.KeyPrefix == "" {
		cfg.Sessions.Redis.KeyPrefix = "fleet:session:"
	}
	if cfg.Nodes.SyncInterval == 0 {
		cfg.Nodes.SyncInterval = 30 * time.Second
	}
	if cfg.Forwarding.SecretHeader == "" {
		cfg.Forwarding.SecretHeader = "X-Fleet-Node-Token"
	}
	if cfg.Forwarding.MaxBufferedBytes == 0 {
		cfg.Forwarding.MaxBufferedBytes = 10 << 20
	}
	if cfg.Forwarding.Timeout == 0 {
		cfg.Forwarding.Timeout = 30 * time.Second
	}
	if cfg.Forwarding.DialTimeout == 0 {
		cfg.Forwarding.DialTimeout = 5 * time.Second
	}
	if cfg.Logs.MinAge == 0 {
		cfg.Logs.MinAge = 24 * time.Hour
	}
	if cfg.Release.CacheTTL == 0 {
		cfg.Release.CacheTTL = 24 * time.Hour
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
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

	if c.Auth.RenewalMinutes < 0 {
		return fmt.Errorf("auth.renewal_minutes must not be negative")
	}

	for _, p := range c.Auth.ExemptPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.exempt_prefixes entry %q must start with /", p)
		}
	}

	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			return fmt.Errorf("sessions.redis.addr is required when sessions.backend is redis")
		}
	default:
		return fmt.Errorf("sessions.backend must be memory or redis, got %q", c.Sessions.Backend)
	}

	if c.Forwarding.MaxBufferedBytes < 0 {
		return fmt.Errorf("forwarding.max_buffered_bytes must not be negative")
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
		{"sessions.ttl", cfg.Sessions.TTLRaw, &cfg.Sessions.TTL},
		{"sessions.cleanup_interval", cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval},
		{"forwarding.timeout", cfg.Forwarding.TimeoutRaw, &cfg.Forwarding.Timeout},
		{"forwarding.dial_timeout", cfg.Forwarding.DialTimeoutRaw, &cfg.Forwarding.DialTimeout},
		{"logs.min_age", cfg.Logs.MinAgeRaw, &cfg.Logs.MinAge},
		{"release.cache_ttl", cfg.Release.CacheTTLRaw, &cfg.Release.CacheTTL},
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
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
