// Package apps holds the applications ferment can host without any user
// code: a fixed greeting, a static file server and a request echo.
//
// Each application has a config struct decoded from the "application"
// section of the server configuration.
package apps

import (
	"strconv"

	"github.com/marmos91/ferment/pkg/wsgi"
)

// Application types accepted by the configuration.
const (
	TypeHello  = "hello"
	TypeStatic = "static"
	TypeEcho   = "echo"
)

func textHeaders(n int) []wsgi.Header {
	return []wsgi.Header{
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(n)},
	}
}

// plain answers with a short text body, e.g. for error statuses.
func plain(start wsgi.StartResponse, status, body string, extra ...wsgi.Header) (wsgi.Body, error) {
	headers := append(textHeaders(len(body)), extra...)
	if err := start.Start(status, headers, nil); err != nil {
		return nil, err
	}
	return wsgi.NewBytesBody([]byte(body)), nil
}
