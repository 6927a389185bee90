package adapter

import (
	"context"

	"github.com/marmos91/ferment/pkg/wsgi"
)

// Adapter is a protocol front end managed by the ferment Server.
//
// An adapter owns its listening socket and connections and hands every
// request to the application the Server injects.
//
// Lifecycle:
//  1. Creation: the adapter is created from its configuration
//  2. Injection: SetApplication provides the application to serve
//  3. Startup: Serve binds and blocks until shutdown
//  4. Shutdown: Stop drains connections within a timeout
//
// Thread safety:
// SetApplication is called once before Serve. Stop may be called
// concurrently with Serve.
type Adapter interface {
	// Serve binds the listener and serves until ctx is cancelled or an
	// unrecoverable error occurs.
	//
	// Binding failures are returned immediately. On cancellation Serve
	// stops accepting, lets in-flight responses finish, and returns.
	//
	// Returns:
	//   - nil on graceful shutdown
	//   - an error if binding fails or connections had to be force-closed
	Serve(ctx context.Context) error

	// SetApplication injects the application that handles requests.
	SetApplication(app wsgi.Application)

	// Stop initiates graceful shutdown and waits for it up to ctx's
	// deadline. It is idempotent and safe to call concurrently with Serve.
	Stop(ctx context.Context) error

	// Protocol returns the protocol name used in logs, e.g. "HTTP".
	Protocol() string

	// Port returns the TCP port the adapter listens on, or 0 when it
	// listens on a Unix socket or has not bound yet with a dynamic port.
	Port() int
}
