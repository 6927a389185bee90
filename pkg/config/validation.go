package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxTimeoutSeconds bounds keepalive_timeout and send_timeout.
const maxTimeoutSeconds = 255

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	httpCfg := &cfg.Adapters.HTTP

	if !httpCfg.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	if err := httpCfg.Validate(); err != nil {
		return fmt.Errorf("adapters.http: %w", err)
	}

	if err := validateTimeoutSeconds("adapters.http.keepalive_timeout", httpCfg.KeepaliveTimeout); err != nil {
		return err
	}
	if err := validateTimeoutSeconds("adapters.http.send_timeout", httpCfg.SendTimeout); err != nil {
		return err
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == tcpPort(httpCfg.Address) {
		return fmt.Errorf("server.metrics.port: %d is already used by the HTTP adapter", cfg.Server.Metrics.Port)
	}

	return nil
}

func validateTimeoutSeconds(field string, d time.Duration) error {
	if d > maxTimeoutSeconds*time.Second {
		return fmt.Errorf("%s: %v exceeds the maximum of %ds", field, d, maxTimeoutSeconds)
	}
	return nil
}

// tcpPort returns the port of a "host:port" address, or -1.
func tcpPort(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(port)
	if err != nil || n == 0 {
		return -1
	}
	return n
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
