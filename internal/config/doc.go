// Package config handles configuration loading for quill-gateway.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from the QUILL_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/quill/gateway.yaml (~/.config when unset)
//
// Files ending in .toml are read as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${QUILL_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST and WebSocket
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health; empty disables
//
//	tailscale:
//	  enabled: false
//	  hostname: "quill"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: "/var/lib/quill/tsnet"
//	  ephemeral: false
//
//	database:
//	  path: "/var/lib/quill/quill.db"
//
//	auth:
//	  jwt_secret: "${QUILL_JWT_SECRET}"  # at least 32 bytes
//	  token_ttl: "168h"
//
//	broker:
//	  request_timeout: "30s"
//	  poll_interval: "100ms"
//
//	events:
//	  history_size: 1000
//
//	revocation:
//	  redis_url: "redis://localhost:6379/0"  # empty keeps the denylist in memory
//
//	relay:
//	  nats_url: "nats://localhost:4222"      # empty disables the relay
//	  subject_prefix: "quill.events"
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "console"  # console, text, json
//
// Durations use time.ParseDuration syntax.
package config
