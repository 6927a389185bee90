package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# ferment Configuration File
#
# Generated by 'ferment init'. Every value can be overridden with an
# environment variable: FERMENT_<SECTION>_<KEY>, for example
# FERMENT_ADAPTERS_HTTP_NUM_WORKERS=4.

`

// sectionComments annotates keys of the generated file, by dotted path.
var sectionComments = map[string]string{
	"logging":        "Logging: level is DEBUG, INFO, WARN or ERROR; format is text or json;\noutput is stdout, stderr or a file path",
	"logging.async":  "Write log lines from a background goroutine",
	"server":         "Server-wide settings",
	"server.metrics": "Prometheus endpoint, served on its own port at /metrics",
	"adapters":       "Protocol adapters",
	"adapters.http":  "HTTP/1.1 adapter",

	"adapters.http.address":             "host:port for TCP, a path for a Unix socket, empty to use a\nsocket passed in by the service manager (LISTEN_FDS)",
	"adapters.http.num_workers":         "Worker threads, each running its own event loop",
	"adapters.http.chunked_transfer":    "Send responses without Content-Length chunked instead of closing\nthe connection after them",
	"adapters.http.max_reuse_count":     "How many further requests a connection may serve (0-255);\n0 closes every connection after one response",
	"adapters.http.keepalive_timeout":   "Close idle connections after this long (at most 255s, 0 disables)",
	"adapters.http.send_timeout":        "Close connections whose response stalls this long (at most 255s,\n0 disables)",
	"adapters.http.qmon_warn_threshold": "Warn when more work than this waits for a worker (0 disables)",
	"adapters.http.dispatch_mode":       "concurrent, or serialized for applications that are not safe for\nconcurrent use",
	"adapters.http.max_connections":     "0 means unlimited",

	"application":      "Hosted application: hello, static or echo.\nOnly the section matching type is used.",
	"application.type": "hello | static | echo",
}

// InitConfig writes a default configuration file to the default location.
//
// Returns the path of the written file. Unless force is set, an existing
// file is left alone and an error is returned.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := Render(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Render returns cfg as a commented YAML document.
func Render(cfg *Config) (string, error) {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	annotate(&node, "")

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}

	return buf.String(), nil
}

// annotate attaches sectionComments to the keys of a mapping node.
func annotate(node *yaml.Node, prefix string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}
		if c, ok := sectionComments[path]; ok {
			key.HeadComment = c
		}
		annotate(value, path)
	}
}
