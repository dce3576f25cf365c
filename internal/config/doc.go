// Package config handles configuration loading for the taxi322 service.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  base_url: "${TAXI322_BACKEND_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	backend:
//	  timeout: "10s"
//	  register_timeout: "15s"
//	turns:
//	  capability_timeout: "10s"
//	  chunk_delay: "50ms"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8322"
//
// Checkpoint store:
//
//	database:
//	  store: "sqlite"          # sqlite or memory
//	  path: "/var/lib/taxi322/conversations.db"
//
// Dispatch backend:
//
//	backend:
//	  base_url: "${TAXI322_BACKEND_URL}"
//	  timeout: "10s"
//	  register_timeout: "15s"
//
// Turn processing:
//
//	turns:
//	  zone_threshold: 0.8
//	  capability_timeout: "10s"
//	  chunk_words: 3
//	  chunk_delay: "50ms"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
