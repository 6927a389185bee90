package config

import (
	"os"
	"strings"
	"time"

	"github.com/marmos91/ferment/pkg/adapter/http"
	"github.com/marmos91/ferment/pkg/apps"
	"github.com/marmos91/ferment/pkg/wsgi"
)

// DefaultHTTPAddress is the listening address used when none is configured
// and no socket was passed in by the service manager.
const DefaultHTTPAddress = "127.0.0.1:7878"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Adapter-specific defaults are handled by the adapter config
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAdaptersDefaults(&cfg.Adapters)
	applyApplicationDefaults(&cfg.Application)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.Async == nil {
		async := true
		cfg.Async = &async
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the HTTP adapter when it was not configured at all, so that a
	// freshly loaded config (with no config file) passes validation.
	// Users can explicitly set enabled: false to disable it.
	if !cfg.HTTP.Enabled && cfg.HTTP.Address == "" {
		cfg.HTTP.Enabled = true
	}

	// An empty address inherits a socket-activated listener, so only
	// default it when no socket was passed in.
	if cfg.HTTP.Address == "" && os.Getenv("LISTEN_FDS") == "" {
		cfg.HTTP.Address = DefaultHTTPAddress
	}

	cfg.HTTP.ApplyDefaults()
}

// applyApplicationDefaults sets application defaults.
func applyApplicationDefaults(cfg *ApplicationConfig) {
	if cfg.Type == "" {
		cfg.Type = apps.TypeHello
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.Hello == nil {
		cfg.Hello = make(map[string]any)
	}
	if cfg.Static == nil {
		cfg.Static = make(map[string]any)
	}
	if cfg.Echo == nil {
		cfg.Echo = make(map[string]any)
	}

	// Apply defaults for all application types (for config file generation)
	if _, ok := cfg.Hello["message"]; !ok {
		cfg.Hello["message"] = apps.DefaultHelloMessage
	}
	if _, ok := cfg.Static["root"]; !ok {
		cfg.Static["root"] = "."
	}
	if _, ok := cfg.Static["blocksize"]; !ok {
		cfg.Static["blocksize"] = wsgi.DefaultBlocksize
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adapters: AdaptersConfig{
			HTTP: http.HTTPConfig{
				Enabled: true,
				Address: DefaultHTTPAddress,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
