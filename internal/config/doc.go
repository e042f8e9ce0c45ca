// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion,
// FLEET_* environment overrides, defaults, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEET_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fleet/gateway.yaml
//  3. ~/.config/fleet/gateway.yaml
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// These variables override the file after parsing: FLEET_DB_PATH,
// FLEET_HTTP_ADDR, FLEET_GRPC_ADDR, FLEET_JWT_SECRET, FLEET_REDIS_ADDR.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"  # at least 32 bytes
//	  renewal_minutes: 15                # 0 disables renewal
//	  token_ttl: "24h"
//	  legacy_header: "X-Fleet-Token"
//	  exempt_prefixes: ["/api/open/"]    # exact prefix match
//
//	sessions:
//	  backend: "memory"                  # memory or redis
//	  ttl: "12h"
//	  redis:
//	    addr: "localhost:6379"
//
//	nodes:
//	  file: "/etc/fleet/nodes.toml"
//	  watch: true
//
//	forwarding:
//	  timeout: "30s"
//	  max_buffered_bytes: 10485760
//
//	logs:
//	  dir: "/var/log/fleet"
//	  min_age: "24h"
//
// Duration values use Go's time.ParseDuration syntax.
package config
