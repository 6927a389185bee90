//go:build linux

package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/pkg/metrics"
	"github.com/marmos91/ferment/pkg/wsgi"
	"github.com/puzpuzpuz/xsync/v3"
)

// HTTPAdapter implements the adapter.Adapter interface for HTTP/1.1.
//
// Architecture:
// One acceptor goroutine owns the listening socket and hands accepted
// connections round-robin to NumWorkers workers. Each worker is a
// goroutine locked to its own OS thread running a private epoll loop; it
// reads and parses requests, calls the application synchronously and
// writes responses without ever blocking on a socket. A connection never
// moves between workers.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Acceptor closes the listening socket (no new connections)
//  3. Workers close idle connections and let in-flight responses finish;
//     no connection is reused any more
//  4. Workers exit once they own no connections (up to ShutdownTimeout)
//  5. Remaining connections are force-closed after the timeout
//
// Thread safety:
// All exported methods are safe for concurrent use. Serve must only be
// called once.
type HTTPAdapter struct {
	config  HTTPConfig
	opts    ServerOptions
	app     wsgi.Application
	metrics metrics.HTTPMetrics

	dispatcher *dispatcher
	qmon       *queueMonitor

	// mu guards acceptor and workers while Serve sets them up.
	mu       sync.Mutex
	acceptor *acceptor
	workers  []*worker

	// connCount is the number of open connections across all workers.
	connCount atomic.Int32

	// liveConns maps connection IDs to the worker owning them.
	liveConns *xsync.MapOf[string, int]

	// draining is set once shutdown starts: no reuse, idle connections close.
	draining atomic.Bool

	// forceClose makes workers drop every connection and exit.
	forceClose atomic.Bool

	// acceptorDone is set after the listener is closed.
	acceptorDone atomic.Bool

	shutdownOnce sync.Once
	shutdown     chan struct{}

	started     atomic.Bool
	ready       chan struct{}
	done        chan struct{}
	workersDone chan struct{}
	serveErr    error

	port atomic.Int32
	addr atomic.Pointer[string]
}

// New creates an HTTPAdapter with the given configuration.
//
// Zero values in config are replaced with defaults. The adapter is created
// stopped: call SetApplication, then Serve.
//
// Returns an error when the configuration is invalid, for instance when
// NumWorkers is below 1 after defaults are applied.
func New(config HTTPConfig, httpMetrics metrics.HTTPMetrics) (*HTTPAdapter, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HTTP config: %w", err)
	}

	if httpMetrics == nil {
		httpMetrics = metrics.NewNoopHTTPMetrics()
	}

	if config.MaxConnections > 0 {
		logger.Debug("HTTP connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("HTTP connection limit: unlimited")
	}

	return &HTTPAdapter{
		config:      config,
		metrics:     httpMetrics,
		liveConns:   xsync.NewMapOf[string, int](),
		shutdown:    make(chan struct{}),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		workersDone: make(chan struct{}),
	}, nil
}

// SetApplication injects the application served by this adapter.
//
// Called exactly once before Serve, no synchronization needed.
func (s *HTTPAdapter) SetApplication(app wsgi.Application) {
	s.app = app
	logger.Debug("HTTP application configured")
}

// Serve binds the listener, starts the acceptor and the workers, and
// blocks until shutdown completes.
//
// Returns:
//   - nil on graceful shutdown
//   - an error if no application was set or the listener cannot be opened
//   - an error if connections had to be force-closed
func (s *HTTPAdapter) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("HTTP adapter already started")
	}
	defer close(s.done)

	if s.app == nil {
		s.serveErr = errors.New("HTTP adapter has no application")
		return s.serveErr
	}

	ln, err := listen(s.config.Address)
	if err != nil {
		s.serveErr = fmt.Errorf("failed to create HTTP listener on %q: %w", s.config.Address, err)
		return s.serveErr
	}

	s.opts = s.config.serverOptions(ln.serverName, ln.serverPort)
	s.dispatcher = newDispatcher(s.app, s.opts.DispatchMode)
	s.qmon = newQueueMonitor(s.opts.NumWorkers, s.opts.WSGI.QmonWarnThreshold, s.metrics)

	if err := s.startWorkers(ln); err != nil {
		_ = ln.close()
		s.serveErr = err
		return err
	}

	addr := ln.addr()
	s.addr.Store(&addr)
	s.port.Store(int32(ln.port))

	logger.Info("HTTP server listening on %s (workers: %d)", addr, s.opts.NumWorkers)
	logger.Debug("HTTP config: max_number_headers=%d chunked_transfer=%v max_reuse_count=%d keepalive_timeout=%v send_timeout=%v qmon_warn_threshold=%d dispatch_mode=%s",
		s.config.MaxNumberHeaders, s.config.ChunkedTransfer, s.config.MaxReuseCount,
		s.config.KeepaliveTimeout, s.config.SendTimeout, s.config.QmonWarnThreshold, s.config.DispatchMode)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-serveCtx.Done():
			if ctx.Err() != nil {
				logger.Info("HTTP shutdown signal received: %v", ctx.Err())
			}
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(serveCtx)
	}

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run()
		}(w)
	}
	go func() {
		wg.Wait()
		close(s.workersDone)
	}()
	go s.acceptor.run()

	close(s.ready)

	<-s.shutdown
	s.serveErr = s.gracefulShutdown()
	return s.serveErr
}

func (s *HTTPAdapter) startWorkers(ln *listener) error {
	tick := tickInterval(s.opts.Connection.KeepaliveTimeout, s.opts.WSGI.SendTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers = make([]*worker, 0, s.opts.NumWorkers)
	for i := 0; i < s.opts.NumWorkers; i++ {
		w, err := newWorker(i, s, tick)
		if err != nil {
			s.closeWorkerPollers()
			return fmt.Errorf("failed to start HTTP worker %d: %w", i, err)
		}
		s.workers = append(s.workers, w)
	}

	a, err := newAcceptor(s, ln)
	if err != nil {
		s.closeWorkerPollers()
		return fmt.Errorf("failed to start HTTP acceptor: %w", err)
	}
	s.acceptor = a
	return nil
}

func (s *HTTPAdapter) closeWorkerPollers() {
	for _, w := range s.workers {
		_ = w.poller.Close()
	}
	s.workers = nil
}

// Ready is closed once the listener is bound and connections are being
// accepted.
func (s *HTTPAdapter) Ready() <-chan struct{} {
	return s.ready
}

// initiateShutdown stops accepting and starts draining. Safe to call
// multiple times and from multiple goroutines.
func (s *HTTPAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("HTTP shutdown initiated")
		s.draining.Store(true)
		close(s.shutdown)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.acceptor != nil {
			s.acceptor.wake()
		}
		for _, w := range s.workers {
			w.wake()
		}
	})
}

func (s *HTTPAdapter) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// gracefulShutdown waits for the workers to drain, force-closing what is
// left after ShutdownTimeout.
//
// Returns:
//   - nil if all connections completed gracefully
//   - error if the shutdown timeout was exceeded
func (s *HTTPAdapter) gracefulShutdown() error {
	logger.Info("HTTP graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		s.connCount.Load(), s.config.ShutdownTimeout)

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-s.workersDone:
		logger.Info("HTTP graceful shutdown complete: all connections closed")
		return nil

	case <-timer.C:
		remaining := s.connCount.Load()
		logger.Warn("HTTP shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceClose.Store(true)
		for _, w := range s.workers {
			w.wake()
		}
		<-s.workersDone

		logger.Info("Force-closed %d connection(s)", remaining)
		return fmt.Errorf("HTTP shutdown timeout: %d connections force-closed", remaining)
	}
}

// Stop initiates graceful shutdown and waits for Serve to finish, up to
// ctx's deadline.
//
// Returns:
//   - nil on graceful shutdown, or if Serve was never called
//   - the error Serve returned
//   - ctx.Err() if ctx ends first
func (s *HTTPAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if !s.started.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-s.done:
		return s.serveErr
	case <-ctx.Done():
		logger.Warn("HTTP shutdown context cancelled: %d connection(s) still active: %v",
			s.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

func (s *HTTPAdapter) connAccepted() {
	n := s.connCount.Add(1)
	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(n)
}

func (s *HTTPAdapter) connClosed(c *HTTPConnection) {
	s.liveConns.Delete(c.id)
	n := s.connCount.Add(-1)
	s.metrics.RecordConnectionClosed()
	s.metrics.SetActiveConnections(n)
}

// logMetrics periodically logs connection and queue statistics until ctx
// is cancelled.
func (s *HTTPAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			perWorker := make([]int, len(s.workers))
			s.liveConns.Range(func(_ string, worker int) bool {
				if worker < len(perWorker) {
					perWorker[worker]++
				}
				return true
			})
			logger.Info("HTTP metrics: active_connections=%d queue_depth=%d per_worker=%v",
				s.connCount.Load(), s.qmon.depth(), perWorker)
		}
	}
}

// GetActiveConnections returns the current number of open connections.
func (s *HTTPAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Addr returns the bound address, "host:port" or "unix:<path>", or ""
// before the listener is bound.
func (s *HTTPAdapter) Addr() string {
	if a := s.addr.Load(); a != nil {
		return *a
	}
	return ""
}

// Port returns the TCP port the adapter listens on. Before binding, and
// for Unix sockets, it returns the port named in the configured address,
// which is 0 when none is.
func (s *HTTPAdapter) Port() int {
	if p := s.port.Load(); p > 0 {
		return int(p)
	}
	if s.addr.Load() != nil {
		return 0
	}
	return s.config.configuredPort()
}

// Protocol returns "HTTP".
func (s *HTTPAdapter) Protocol() string {
	return "HTTP"
}
