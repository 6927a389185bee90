// Package server runs the protocol adapters that front a single hosted
// application.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/pkg/adapter"
	"github.com/marmos91/ferment/pkg/wsgi"
)

// stopTimeout bounds the Stop call issued to every adapter on shutdown.
const stopTimeout = 30 * time.Second

// Server manages the lifecycle of the protocol adapters that serve one
// application.
//
// Lifecycle:
//  1. Creation: New() with the application
//  2. Registration: AddAdapter() for each front end
//  3. Startup: Serve() starts all adapters concurrently
//  4. Shutdown: Context cancellation triggers graceful shutdown of all adapters
//
// Thread safety:
// Server is safe for concurrent use. AddAdapter() may be called concurrently
// with other methods but not after Serve(). Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(app)
//	if err := srv.AddAdapter(httpAdapter); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Server struct {
	// app is handed to every adapter
	app wsgi.Application

	// adapters contains all registered adapters
	adapters []adapter.Adapter

	// mu protects adapters and served
	mu sync.Mutex

	// served indicates whether Serve() has been called
	served bool
}

// New creates a Server for app.
//
// Panics if app is nil (indicates programmer error).
func New(app wsgi.Application) *Server {
	if app == nil {
		panic("application cannot be nil")
	}

	return &Server{
		app:      app,
		adapters: make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter registers a protocol adapter and injects the application into it.
//
// Duplicate protocols and port conflicts are rejected. Adapters on a Unix
// socket or an ephemeral port report port 0 and never conflict.
//
// Panics if the adapter is nil or Serve() has already been called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetApplication(s.app)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)

	return nil
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// When the context is cancelled or an adapter fails, every adapter
// receives Stop() in reverse registration order and Serve waits for all of
// them to return. The application is closed afterwards if it implements
// io.Closer.
//
// Returns:
//   - ctx.Err() if shutdown was triggered by context cancellation
//   - an error if an adapter failed to start or failed while serving
//
// Returns an error if Serve() was already called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	defer s.closeApplication()

	logger.Info("Starting ferment with %d adapter(s)", len(adapters))

	// Buffered so failing adapters never block on send
	errChan := make(chan adapterError, len(adapters))

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter", protocol)

			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Warn("%s adapter stopped: %v", protocol, err)
				}
			} else {
				logger.Info("%s adapter stopped", protocol)
			}
		}(adp)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		s.stopAllAdapters(adapters)
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		s.stopAllAdapters(adapters)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)

	case <-done:
		// Every adapter returned on its own
		select {
		case adapterErr := <-errChan:
			shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
		default:
			shutdownErr = ctx.Err()
		}
	}

	logger.Debug("Waiting for all adapters to complete shutdown")
	<-done

	logger.Info("ferment stopped")

	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters initiates graceful shutdown of all adapters in reverse
// registration order. Errors are logged and do not stop the remaining
// adapters from being stopped.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())

		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		} else {
			logger.Debug("%s adapter stopped", protocol)
		}
	}
}

func (s *Server) closeApplication() {
	c, ok := s.app.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("Error closing application: %v", err)
	}
}

// Adapters returns a snapshot of currently registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
