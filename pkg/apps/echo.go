package apps

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/marmos91/ferment/pkg/wsgi"
)

// EchoConfig configures the echo application.
type EchoConfig struct {
	// ShowEnviron lists every environ variable instead of only the
	// request line and the HTTP_* headers.
	ShowEnviron bool `mapstructure:"show_environ" yaml:"show_environ"`
}

// NewEcho returns an application that answers with a description of the
// request followed by its body.
//
// The response carries no Content-Length: each line is a separate body
// chunk, so the server sends it chunked when chunked transfer is enabled
// and closes the connection after it otherwise.
func NewEcho(cfg EchoConfig) wsgi.Application {
	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		var input []byte
		if env.Input != nil {
			var err error
			if input, err = io.ReadAll(env.Input); err != nil {
				return nil, fmt.Errorf("failed to read request body: %w", err)
			}
		}

		target := env.Get("SCRIPT_NAME") + env.Get("PATH_INFO")
		if q := env.Get("QUERY_STRING"); q != "" {
			target += "?" + q
		}

		chunks := [][]byte{
			fmt.Appendf(nil, "%s %s %s\n", env.Get("REQUEST_METHOD"), target, env.Get("SERVER_PROTOCOL")),
		}

		keys := make([]string, 0, len(env.Vars))
		for k := range env.Vars {
			if cfg.ShowEnviron || strings.HasPrefix(k, "HTTP_") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			chunks = append(chunks, fmt.Appendf(nil, "%s: %s\n", k, env.Vars[k]))
		}

		if len(input) > 0 {
			chunks = append(chunks, []byte("\n"), input)
		}

		err := start.Start("200 OK", []wsgi.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		}, nil)
		if err != nil {
			return nil, err
		}
		return wsgi.NewBytesBody(chunks...), nil
	})
}
