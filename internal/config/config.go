// ABOUTME: Configuration loading and parsing for the taxi322 service
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taxi322 configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Backend  BackendConfig  `yaml:"backend"`
	Turns    TurnsConfig    `yaml:"turns"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig selects the checkpoint store.
type DatabaseConfig struct {
	// Store is "sqlite" or "memory".
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
}

// BackendConfig holds the dispatch backend connection settings. An empty
// base_url runs the service without customer lookup, geocoding, or dispatch;
// confirmations then escalate to a human.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`

	Timeout         time.Duration `yaml:"-"`
	RegisterTimeout time.Duration `yaml:"-"`

	TimeoutRaw         string `yaml:"timeout"`
	RegisterTimeoutRaw string `yaml:"register_timeout"`
}

// TurnsConfig tunes turn processing and event streaming.
type TurnsConfig struct {
	ZoneThreshold float64 `yaml:"zone_threshold"`
	ChunkWords    int     `yaml:"chunk_words"`

	CapabilityTimeout time.Duration `yaml:"-"`
	ChunkDelay        time.Duration `yaml:"-"`

	CapabilityTimeoutRaw string `yaml:"capability_timeout"`
	ChunkDelayRaw        string `yaml:"chunk_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8322"},
		Database: DatabaseConfig{Store: "sqlite", Path: "taxi322.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid, returning the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Store {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("database.store must be \"sqlite\" or \"memory\", got %q", c.Database.Store)
	}

	if c.Turns.ZoneThreshold < 0 || c.Turns.ZoneThreshold > 1 {
		return fmt.Errorf("turns.zone_threshold must be between 0 and 1, got %v", c.Turns.ZoneThreshold)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Backend.TimeoutRaw, "backend.timeout", &cfg.Backend.Timeout},
		{cfg.Backend.RegisterTimeoutRaw, "backend.register_timeout", &cfg.Backend.RegisterTimeout},
		{cfg.Turns.CapabilityTimeoutRaw, "turns.capability_timeout", &cfg.Turns.CapabilityTimeout},
		{cfg.Turns.ChunkDelayRaw, "turns.chunk_delay", &cfg.Turns.ChunkDelay},
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
