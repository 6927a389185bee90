//go:build linux

package http

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/internal/reactor"
	"golang.org/x/sys/unix"
)

// handoff is an accepted connection on its way from the acceptor to a
// worker.
type handoff struct {
	fd     int
	remote string
}

// worker runs one event loop on a dedicated OS thread and owns every
// connection registered with it. Only the inbox is touched by other
// goroutines.
type worker struct {
	id      int
	adapter *HTTPAdapter
	poller  *reactor.Poller
	tick    time.Duration

	conns   map[int]*HTTPConnection
	pending []*HTTPConnection

	inboxMu sync.Mutex
	inbox   []handoff
}

func newWorker(id int, s *HTTPAdapter, tick time.Duration) (*worker, error) {
	p, err := reactor.New(256)
	if err != nil {
		return nil, err
	}
	return &worker{
		id:      id,
		adapter: s,
		poller:  p,
		tick:    tick,
		conns:   make(map[int]*HTTPConnection),
	}, nil
}

// handoff queues an accepted connection for this worker. Safe from any
// goroutine.
func (w *worker) handoff(h handoff) {
	w.inboxMu.Lock()
	w.inbox = append(w.inbox, h)
	w.inboxMu.Unlock()
	w.wake()
}

func (w *worker) wake() {
	if err := w.poller.Wake(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		logger.Debug("Error waking HTTP worker %d: %v", w.id, err)
	}
}

func (w *worker) inboxEmpty() bool {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	return len(w.inbox) == 0
}

// run is the event loop. It returns once the adapter is drained, or
// immediately when connections are force-closed.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if err := w.poller.Close(); err != nil {
			logger.Debug("Error closing HTTP worker %d poller: %v", w.id, err)
		}
	}()

	s := w.adapter
	logger.Debug("HTTP worker %d started", w.id)

	for {
		w.takeHandoffs()

		if s.forceClose.Load() {
			w.closeAll(true)
			logger.Debug("HTTP worker %d stopped (forced)", w.id)
			return
		}

		if s.draining.Load() {
			w.closeIdle()
			if len(w.conns) == 0 && s.acceptorDone.Load() && w.inboxEmpty() {
				logger.Debug("HTTP worker %d stopped", w.id)
				return
			}
		}

		if _, err := w.poller.Wait(w.tick, w.onEvent); err != nil {
			logger.Error("HTTP worker %d poll failed: %v", w.id, err)
			w.closeAll(false)
			s.initiateShutdown()
			return
		}

		w.dispatchPending()
		w.sweep(time.Now())
	}
}

// takeHandoffs registers connections queued by the acceptor.
func (w *worker) takeHandoffs() {
	w.inboxMu.Lock()
	batch := w.inbox
	w.inbox = nil
	w.inboxMu.Unlock()

	for _, h := range batch {
		w.adapter.qmon.dec(w.id)

		c := newHTTPConnection(w, h.fd, h.remote)
		w.conns[h.fd] = c
		w.adapter.liveConns.Store(c.id, w.id)

		if err := w.poller.Add(h.fd, reactor.Readable); err != nil {
			logger.Debug("Error registering HTTP connection from %s: %v", h.remote, err)
			c.close()
			continue
		}
		c.interest = reactor.Readable
		logger.Debug("HTTP connection %s from %s on worker %d", c.id, c.remoteLabel(), w.id)
	}
}

func (w *worker) onEvent(fd int, ev reactor.Event) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}
	defer c.recoverPanic()

	switch {
	case c.state.idle():
		if ev.Readable() || ev.Closed() {
			c.handleRead()
		}
	case c.state == Dispatching:
		if ev.Closed() {
			c.close()
		}
	case c.state.sending():
		if ev.Closed() {
			logger.Debug("HTTP connection %s closed by peer during response", c.id)
			c.close()
			return
		}
		if ev.Writable() {
			c.pump()
		}
	}
}

// enqueue marks c's parsed request as waiting for dispatch.
func (w *worker) enqueue(c *HTTPConnection) {
	w.pending = append(w.pending, c)
	w.adapter.qmon.inc(w.id)
}

// dispatchPending runs the application for every parsed request,
// including requests parsed from leftover input while doing so.
func (w *worker) dispatchPending() {
	for len(w.pending) > 0 {
		batch := w.pending
		w.pending = nil
		for _, c := range batch {
			w.adapter.qmon.dec(w.id)
			if c.state != Dispatching {
				continue
			}
			w.dispatch(c)
		}
	}
}

func (w *worker) dispatch(c *HTTPConnection) {
	defer c.recoverPanic()
	c.dispatch()
}

// sweep closes connections whose keep-alive or send timer expired.
func (w *worker) sweep(now time.Time) {
	opts := &w.adapter.opts
	for _, c := range w.conns {
		kind, ok := expired(c.state, c.lastActivity, now, opts.Connection.KeepaliveTimeout, opts.WSGI.SendTimeout)
		if !ok {
			continue
		}
		logger.Debug("HTTP connection %s %s timeout in state %s", c.id, kind, c.state)
		w.adapter.metrics.RecordTimeout(kind)
		c.close()
	}
}

// closeIdle closes connections waiting for a request. Used while draining.
func (w *worker) closeIdle() {
	for _, c := range w.conns {
		if c.state == AwaitingRequest {
			c.close()
		}
	}
}

func (w *worker) closeAll(forced bool) {
	w.takeHandoffs()
	for _, c := range w.conns {
		if forced {
			w.adapter.metrics.RecordConnectionForceClosed()
		}
		c.close()
	}
	for range w.pending {
		w.adapter.qmon.dec(w.id)
	}
	w.pending = nil
}

// rawWrite writes b once without blocking, for best-effort error
// responses.
func rawWrite(fd int, b []byte) {
	if _, err := unix.Write(fd, b); err != nil && !errors.Is(err, unix.EAGAIN) {
		logger.Debug("Error writing error response: %v", err)
	}
}
