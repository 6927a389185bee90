package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/ferment/pkg/adapter/http"
	"github.com/spf13/viper"
)

// Config represents the complete ferment configuration.
//
// This structure captures all configurable aspects of the server:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Protocol adapter configurations
//   - The hosted application and its type-specific options
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FERMENT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Application Configuration Pattern:
// Each built-in application defines its own configuration type. The Config
// struct contains type-specific sections (application.hello,
// application.static, ...) and only the section matching the selected type
// is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters" yaml:"adapters"`

	// Application selects the hosted application
	Application ApplicationConfig `mapstructure:"application" yaml:"application"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`

	// Async writes log lines from a background goroutine so request
	// handling never waits on the log sink. Defaults to true.
	Async *bool `mapstructure:"async" yaml:"async"`
}

// AsyncEnabled reports whether asynchronous logging is on.
func (c LoggingConfig) AsyncEnabled() bool {
	return c.Async == nil || *c.Async
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the port of the metrics HTTP server
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// HTTP contains HTTP/1.1 protocol configuration.
	// Uses the http.HTTPConfig type directly to avoid duplication.
	HTTP http.HTTPConfig `mapstructure:"http" yaml:"http"`
}

// ApplicationConfig specifies the hosted application.
//
// The Type field determines which application is served.
// Only the corresponding type-specific configuration section is used.
type ApplicationConfig struct {
	// Type specifies which built-in application to serve
	// Valid values: hello, static, echo
	Type string `mapstructure:"type" validate:"required,oneof=hello static echo" yaml:"type"`

	// Hello contains hello-specific configuration
	// Only used when Type = "hello"
	Hello map[string]any `mapstructure:"hello" yaml:"hello"`

	// Static contains static-specific configuration
	// Only used when Type = "static"
	Static map[string]any `mapstructure:"static" yaml:"static"`

	// Echo contains echo-specific configuration
	// Only used when Type = "echo"
	Echo map[string]any `mapstructure:"echo" yaml:"echo"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FERMENT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the FERMENT_ prefix and underscores
	// Example: FERMENT_ADAPTERS_HTTP_NUM_WORKERS=4
	v.SetEnvPrefix("FERMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/ferment/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is treated like a missing
		// default file: defaults apply
		if configPath != "" && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ferment")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "ferment")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
