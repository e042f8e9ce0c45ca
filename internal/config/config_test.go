// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, overrides, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"
  renewal_minutes: 15
  token_ttl: "2h"
  legacy_header: "X-Legacy"
  exempt_prefixes:
    - "/api/open/"
    - "/api/hooks/"

sessions:
  backend: "redis"
  cookie_name: "sid"
  ttl: "30m"
  cleanup_interval: "10s"
  redis:
    addr: "localhost:6379"
    db: 2

nodes:
  file: "/etc/fleet/nodes.toml"
  watch: true
  sync_interval: "1m"

forwarding:
  timeout: "45s"
  dial_timeout: "2s"
  max_buffered_bytes: 1048576

logs:
  dir: "/var/log/fleet"
  min_age: "12h"

release:
  url: "https://example.com/releases.json"
  cache_file: "/tmp/release.json"
  cache_ttl: "6h"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.RenewalWindow() != 15*time.Minute {
		t.Errorf("Auth.RenewalWindow() = %v, want 15m", cfg.Auth.RenewalWindow())
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.LegacyHeader != "X-Legacy" {
		t.Errorf("Auth.LegacyHeader = %q, want %q", cfg.Auth.LegacyHeader, "X-Legacy")
	}
	if len(cfg.Auth.ExemptPrefixes) != 2 || cfg.Auth.ExemptPrefixes[1] != "/api/hooks/" {
		t.Errorf("Auth.ExemptPrefixes = %v", cfg.Auth.ExemptPrefixes)
	}
	if cfg.Sessions.Backend != "redis" || cfg.Sessions.Redis.Addr != "localhost:6379" || cfg.Sessions.Redis.DB != 2 {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.TTL != 30*time.Minute {
		t.Errorf("Sessions.TTL = %v, want 30m", cfg.Sessions.TTL)
	}
	if cfg.Sessions.CleanupInterval != 10*time.Second {
		t.Errorf("Sessions.CleanupInterval = %v, want 10s", cfg.Sessions.CleanupInterval)
	}
	if cfg.Sessions.CookieName != "sid" {
		t.Errorf("Sessions.CookieName = %q, want %q", cfg.Sessions.CookieName, "sid")
	}
	if !cfg.Nodes.Watch || cfg.Nodes.File != "/etc/fleet/nodes.toml" || cfg.Nodes.SyncInterval != time.Minute {
		t.Errorf("Nodes = %+v", cfg.Nodes)
	}
	if cfg.Forwarding.Timeout != 45*time.Second || cfg.Forwarding.DialTimeout != 2*time.Second {
		t.Errorf("Forwarding timeouts = %v / %v", cfg.Forwarding.Timeout, cfg.Forwarding.DialTimeout)
	}
	if cfg.Forwarding.MaxBufferedBytes != 1048576 {
		t.Errorf("Forwarding.MaxBufferedBytes = %d", cfg.Forwarding.MaxBufferedBytes)
	}
	if cfg.Logs.MinAge != 12*time.Hour {
		t.Errorf("Logs.MinAge = %v, want 12h", cfg.Logs.MinAge)
	}
	if cfg.Release.CacheTTL != 6*time.Hour {
		t.Errorf("Release.CacheTTL = %v, want 6h", cfg.Release.CacheTTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.RenewalMinutes != 0 {
		t.Errorf("renewal should default to disabled, got %d", cfg.Auth.RenewalMinutes)
	}
	if cfg.Auth.LegacyHeader != "X-Fleet-Token" {
		t.Errorf("LegacyHeader default = %q", cfg.Auth.LegacyHeader)
	}
	if len(cfg.Auth.ExemptPrefixes) != 1 || cfg.Auth.ExemptPrefixes[0] != "/api/open/" {
		t.Errorf("ExemptPrefixes default = %v", cfg.Auth.ExemptPrefixes)
	}
	if cfg.Sessions.Backend != "memory" {
		t.Errorf("Sessions.Backend default = %q", cfg.Sessions.Backend)
	}
	if cfg.Nodes.SyncInterval != 30*time.Second {
		t.Errorf("Nodes.SyncInterval default = %v", cfg.Nodes.SyncInterval)
	}
	if cfg.Forwarding.SecretHeader != "X-Fleet-Node-Token" {
		t.Errorf("Forwarding.SecretHeader default = %q", cfg.Forwarding.SecretHeader)
	}
	if cfg.Forwarding.Timeout != 30*time.Second {
		t.Errorf("Forwarding.Timeout default = %v", cfg.Forwarding.Timeout)
	}
	if cfg.Logs.MinAge != 24*time.Hour {
		t.Errorf("Logs.MinAge default = %v", cfg.Logs.MinAge)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path default = %q", cfg.Metrics.Path)
	}
}

func TestLoad_EmptyExemptPrefixesKeepsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
  exempt_prefixes: []
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Auth.ExemptPrefixes) != 0 {
		t.Errorf("explicit empty exempt_prefixes should stay empty, got %v", cfg.Auth.ExemptPrefixes)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLEET_SECRET", testSecret)
	t.Setenv("TEST_FLEET_DB", "/data/fleet.db")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${TEST_FLEET_DB}"
auth:
  jwt_secret: "${TEST_FLEET_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/data/fleet.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/fleet.db")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "/override/fleet.db")
	t.Setenv("FLEET_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("FLEET_JWT_SECRET", strings.Repeat("z", 40))

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "too-short"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/override/fleet.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("Server.HTTPAddr = %q, want override", cfg.Server.HTTPAddr)
	}
	if len(cfg.Auth.JWTSecret) != 40 {
		t.Errorf("JWTSecret was not overridden")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
`,
			wantErr: "tailscale.hostname",
		},
		{
			name: "missing database",
			content: `
server:
  http_addr: "localhost:8080"
auth:
  jwt_secret: "` + testSecret + `"
`,
			wantErr: "database.path",
		},
		{
			name: "short secret",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "short"
`,
			wantErr: "jwt_secret",
		},
		{
			name: "negative renewal",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
  renewal_minutes: -1
`,
			wantErr: "renewal_minutes",
		},
		{
			name: "relative exempt prefix",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
  exempt_prefixes: ["api/open"]
`,
			wantErr: "exempt_prefixes",
		},
		{
			name: "redis without addr",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
sessions:
  backend: "redis"
`,
			wantErr: "sessions.redis.addr",
		},
		{
			name: "unknown backend",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
sessions:
  backend: "memcached"
`,
			wantErr: "sessions.backend",
		},
		{
			name: "bad duration",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
forwarding:
  timeout: "soon"
`,
			wantErr: "forwarding.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("a=${FLEET_SURELY_UNSET_VAR};b")
	if got != "a=;b" {
		t.Errorf("expandEnvVars = %q, want %q", got, "a=;b")
	}
}
