package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marmos91/ferment/pkg/apps"
)

func TestCreateApplication(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		app     ApplicationConfig
		wantErr string
	}{
		{name: "hello", app: ApplicationConfig{Type: "hello", Hello: map[string]any{"message": "hi"}}},
		{name: "static", app: ApplicationConfig{Type: "static", Static: map[string]any{"root": root, "blocksize": "4096"}}},
		{name: "echo", app: ApplicationConfig{Type: "echo", Echo: map[string]any{"show_environ": true}}},
		{name: "unknown type", app: ApplicationConfig{Type: "wiki"}, wantErr: "unknown application type"},
		{name: "unknown option", app: ApplicationConfig{Type: "hello", Hello: map[string]any{"mesage": "typo"}}, wantErr: "application.hello"},
		{name: "missing static root", app: ApplicationConfig{Type: "static", Static: map[string]any{"root": filepath.Join(root, "missing")}}, wantErr: "static root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Application: tt.app}

			app, err := CreateApplication(cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateApplication failed: %v", err)
			}
			if app == nil {
				t.Fatal("Expected an application")
			}
			if c, ok := app.(io.Closer); ok {
				_ = c.Close()
			}
		})
	}
}

func TestCreateApplication_Static(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Application.Type = apps.TypeStatic
	cfg.Application.Static["root"] = t.TempDir()

	app, err := CreateApplication(cfg)
	if err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}
	static, ok := app.(*apps.Static)
	if !ok {
		t.Fatalf("Expected *apps.Static, got %T", app)
	}
	_ = static.Close()
}

func TestCreateAdapters(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.HTTP.Address = "127.0.0.1:0"

	adapters, err := CreateAdapters(cfg, nil)
	if err != nil {
		t.Fatalf("CreateAdapters failed: %v", err)
	}
	if len(adapters) != 1 || adapters[0].Protocol() != "HTTP" {
		t.Fatalf("Expected one HTTP adapter, got %v", adapters)
	}

	cfg.Adapters.HTTP.Enabled = false
	if _, err := CreateAdapters(cfg, nil); err == nil {
		t.Error("Expected error with no adapters enabled")
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig())

	if result.Server != nil {
		t.Error("Expected no metrics server when disabled")
	}
	if result.HTTPMetrics == nil {
		t.Error("Expected no-op HTTP metrics when disabled")
	}
}
