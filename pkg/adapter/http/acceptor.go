//go:build linux

package http

import (
	"errors"
	"time"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/internal/ratelimiter"
	"github.com/marmos91/ferment/internal/reactor"
	"golang.org/x/sys/unix"
)

// acceptor owns the listening socket. It accepts connections as they
// become ready and hands them to workers round-robin.
type acceptor struct {
	adapter *HTTPAdapter
	ln      *listener
	poller  *reactor.Poller
	next    int

	// errLimiter throttles logging of repeated accept failures such as
	// descriptor exhaustion.
	errLimiter *ratelimiter.RateLimiter
}

func newAcceptor(s *HTTPAdapter, ln *listener) (*acceptor, error) {
	p, err := reactor.New(8)
	if err != nil {
		return nil, err
	}
	if err := p.Add(ln.fd, reactor.Readable); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &acceptor{
		adapter:    s,
		ln:         ln,
		poller:     p,
		errLimiter: ratelimiter.New(1, 1),
	}, nil
}

// run accepts until shutdown. On return the listening socket is closed
// and every worker is told that no more connections will arrive.
func (a *acceptor) run() {
	defer a.stop()

	for {
		if a.adapter.isShuttingDown() {
			return
		}
		_, err := a.poller.Wait(-1, func(fd int, ev reactor.Event) {
			if fd == a.ln.fd {
				a.acceptReady()
			}
		})
		if err != nil {
			if !errors.Is(err, reactor.ErrClosed) {
				logger.Error("HTTP acceptor poll failed: %v", err)
				a.adapter.initiateShutdown()
			}
			return
		}
	}
}

func (a *acceptor) stop() {
	if err := a.poller.Remove(a.ln.fd); err != nil {
		logger.Debug("Error deregistering HTTP listener: %v", err)
	}
	if err := a.ln.close(); err != nil {
		logger.Debug("Error closing HTTP listener: %v", err)
	}
	_ = a.poller.Close()

	a.adapter.acceptorDone.Store(true)
	for _, w := range a.adapter.workers {
		w.wake()
	}
	logger.Debug("HTTP acceptor stopped")
}

// wake interrupts a blocked run so it notices shutdown.
func (a *acceptor) wake() {
	if err := a.poller.Wake(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		logger.Debug("Error waking HTTP acceptor: %v", err)
	}
}

// acceptReady accepts every pending connection.
func (a *acceptor) acceptReady() {
	s := a.adapter
	for {
		fd, sa, err := unix.Accept4(a.ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				if ok, suppressed := a.errLimiter.AllowWithSuppressed(); ok {
					logger.Warn("Error accepting HTTP connection: %v (%d similar errors suppressed)", err, suppressed)
				}
				// The listener stays readable; back off instead of spinning.
				time.Sleep(10 * time.Millisecond)
				return
			default:
				logger.Debug("Error accepting HTTP connection: %v", err)
				return
			}
		}

		if limit := s.opts.MaxConnections; limit > 0 && int(s.connCount.Load()) >= limit {
			logger.Debug("HTTP connection limit %d reached, rejecting connection", limit)
			_ = unix.Close(fd)
			continue
		}

		remote := remoteAddr(sa)
		if remote != "" {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				logger.Debug("Error setting TCP_NODELAY: %v", err)
			}
		}

		s.connAccepted()

		w := s.workers[a.next]
		a.next = (a.next + 1) % len(s.workers)
		s.qmon.inc(w.id)
		w.handoff(handoff{fd: fd, remote: remote})
	}
}
