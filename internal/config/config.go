// Package config loads the scan engine's configuration through a layered
// koanf stack (defaults, then an optional YAML file, then environment
// variables) and can watch the file for changes, reloading with a
// debounce so editor save sequences don't trigger repeated reloads.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the scan engine.
type Config struct {
	// CIBaseURL is the root of the CI provider's build-metadata API.
	CIBaseURL string

	// CacheDir is the filesystem root the log cache shards logs under.
	CacheDir string

	// CacheMemEntries bounds the in-memory log cache layer; 0 disables it.
	CacheMemEntries int

	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string

	// DatabaseMaxConns caps the connection pool.
	DatabaseMaxConns int

	// Workers is the bounded worker pool size for the unvisited-build
	// visit loop.
	Workers int

	// RequestTimeout bounds every CI provider HTTP call.
	RequestTimeout time.Duration

	// LogLevelFlags are per-package log level overrides.
	// Format: ["debug"], ["default=info", "coordinator=debug"], or ["info"]
	LogLevelFlags []string

	// MetricsEnabled toggles the Prometheus metrics endpoint.
	MetricsEnabled bool

	// MetricsPort is the port the metrics endpoint listens on.
	MetricsPort int

	// TracingEnabled indicates whether OpenTelemetry tracing is enabled.
	TracingEnabled bool

	// TracingEndpoint is the OTLP gRPC endpoint for trace export.
	TracingEndpoint string

	// TracingTLSCAPath is the path to the CA certificate for TLS verification.
	TracingTLSCAPath string

	// TracingTLSInsecure allows insecure TLS connections (skip verification).
	TracingTLSInsecure bool
}

var defaults = map[string]interface{}{
	"ci.base_url":              "",
	"cache.dir":                "./cache",
	"cache.mem_entries":        1024,
	"database.dsn":             "",
	"database.max_conns":       10,
	"workers":                  8,
	"request_timeout":          "30s",
	"log.level":                []string{"info"},
	"metrics.enabled":          false,
	"metrics.port":             9090,
	"tracing.enabled":          false,
	"tracing.endpoint":         "",
	"tracing.tls_ca_path":      "",
	"tracing.tls_insecure":     false,
}

// Load builds a Config by layering defaults, then yamlPath (if non-empty
// and present on disk), then environment variables prefixed CISCAN_
// (double underscore separates nesting, e.g. CISCAN_CACHE__DIR).
func Load(yamlPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, NewConfigError("load defaults: " + err.Error())
	}

	if yamlPath != "" {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return nil, NewConfigError("load config file " + yamlPath + ": " + err.Error())
		}
	}

	envKeyFn := func(s string) string {
		s = strings.TrimPrefix(s, "CISCAN_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider("CISCAN_", ".", envKeyFn), nil); err != nil {
		return nil, NewConfigError("load environment: " + err.Error())
	}

	timeout, err := time.ParseDuration(k.String("request_timeout"))
	if err != nil {
		return nil, NewConfigError("invalid request_timeout: " + err.Error())
	}

	cfg := &Config{
		CIBaseURL:          k.String("ci.base_url"),
		CacheDir:           k.String("cache.dir"),
		CacheMemEntries:    k.Int("cache.mem_entries"),
		DatabaseDSN:        k.String("database.dsn"),
		DatabaseMaxConns:   k.Int("database.max_conns"),
		Workers:            k.Int("workers"),
		RequestTimeout:     timeout,
		LogLevelFlags:      k.Strings("log.level"),
		MetricsEnabled:     k.Bool("metrics.enabled"),
		MetricsPort:        k.Int("metrics.port"),
		TracingEnabled:     k.Bool("tracing.enabled"),
		TracingEndpoint:    k.String("tracing.endpoint"),
		TracingTLSCAPath:   k.String("tracing.tls_ca_path"),
		TracingTLSInsecure: k.Bool("tracing.tls_insecure"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.CIBaseURL == "" {
		return NewConfigError("ci.base_url must be set")
	}
	if c.DatabaseDSN == "" {
		return NewConfigError("database.dsn must be set")
	}
	if c.Workers < 1 {
		return NewConfigError("workers must be at least 1")
	}
	if c.DatabaseMaxConns < 1 {
		return NewConfigError("database.max_conns must be at least 1")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return e.message
}
