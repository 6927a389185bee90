// Package wsgi defines the contract between the ferment server and the
// application it hosts.
//
// The shape follows the gateway interface familiar from Python web
// servers: the server builds an Environ for every request and calls the
// Application with it and a StartResponse. The application sets the status
// and headers through StartResponse and returns a Body, which the server
// drains chunk by chunk onto the connection.
//
// Example:
//
//	app := wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
//	    if err := start.Start("200 OK", []wsgi.Header{{Name: "Content-Type", Value: "text/plain"}}, nil); err != nil {
//	        return nil, err
//	    }
//	    return wsgi.NewBytesBody([]byte("Hello world!\n")), nil
//	})
package wsgi

import (
	"io"

	"github.com/marmos91/ferment/internal/protocol/http1"
)

// Header is a response or request header field.
type Header = http1.Header

// Application handles one request.
//
// Call runs on a server worker thread. Unless the server is configured to
// serialize dispatch, Call may run concurrently for different requests and
// must be safe for concurrent use.
//
// Returning an error before the body was started makes the server answer
// 500 and close the connection.
type Application interface {
	Call(env *Environ, start StartResponse) (Body, error)
}

// ApplicationFunc adapts a function to the Application interface.
type ApplicationFunc func(env *Environ, start StartResponse) (Body, error)

func (f ApplicationFunc) Call(env *Environ, start StartResponse) (Body, error) {
	return f(env, start)
}

// StartResponse records the response status and headers.
//
// status is a full status line without the protocol, e.g. "200 OK".
// excInfo reports an application error: it is logged, and permits
// replacing headers that were set but not yet sent.
type StartResponse interface {
	Start(status string, headers []Header, excInfo error) error
}

// Body yields the response body in chunks. Next returns io.EOF after the
// last chunk. Empty chunks are allowed and produce no output. Close is
// always called once the server is done with the body.
type Body interface {
	Next() ([]byte, error)
	Close() error
}

// Environ carries the request to the application.
type Environ struct {
	// Vars holds CGI-style variables: REQUEST_METHOD, PATH_INFO,
	// QUERY_STRING, HTTP_* and so on.
	Vars map[string]string

	// Input yields the request body.
	Input io.Reader

	// Errors is the application's error stream; lines written to it end
	// up in the server log.
	Errors io.Writer
}

// Get returns the variable named key, or "" when unset.
func (e *Environ) Get(key string) string {
	return e.Vars[key]
}

// Lookup returns the variable named key and whether it is set.
func (e *Environ) Lookup(key string) (string, bool) {
	v, ok := e.Vars[key]
	return v, ok
}

type bytesBody struct {
	chunks [][]byte
	next   int
}

// NewBytesBody returns a Body yielding the given chunks in order.
func NewBytesBody(chunks ...[]byte) Body {
	return &bytesBody{chunks: chunks}
}

func (b *bytesBody) Next() ([]byte, error) {
	if b.next >= len(b.chunks) {
		return nil, io.EOF
	}
	c := b.chunks[b.next]
	b.next++
	return c, nil
}

func (b *bytesBody) Close() error { return nil }
