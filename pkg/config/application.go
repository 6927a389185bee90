package config

import (
	"fmt"

	"github.com/marmos91/ferment/pkg/apps"
	"github.com/marmos91/ferment/pkg/wsgi"
	"github.com/mitchellh/mapstructure"
)

// CreateApplication builds the application selected by cfg.Application.Type
// from its type-specific section.
//
// The returned application may implement io.Closer; the caller closes it
// after the server stopped.
func CreateApplication(cfg *Config) (wsgi.Application, error) {
	appCfg := &cfg.Application

	switch appCfg.Type {
	case apps.TypeHello:
		var c apps.HelloConfig
		if err := decodeOptions(appCfg.Hello, &c); err != nil {
			return nil, fmt.Errorf("application.hello: %w", err)
		}
		return apps.NewHello(c), nil

	case apps.TypeStatic:
		var c apps.StaticConfig
		if err := decodeOptions(appCfg.Static, &c); err != nil {
			return nil, fmt.Errorf("application.static: %w", err)
		}
		static, err := apps.NewStatic(c)
		if err != nil {
			return nil, err
		}
		return static, nil

	case apps.TypeEcho:
		var c apps.EchoConfig
		if err := decodeOptions(appCfg.Echo, &c); err != nil {
			return nil, fmt.Errorf("application.echo: %w", err)
		}
		return apps.NewEcho(c), nil

	default:
		return nil, fmt.Errorf("unknown application type %q", appCfg.Type)
	}
}

// decodeOptions decodes a type-specific section into its config struct.
// Values coming from environment variables are strings, so weak typing is on.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
