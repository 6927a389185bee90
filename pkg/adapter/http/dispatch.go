package http

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/pkg/wsgi"
)

// dispatcher calls into the application. In serialized mode every call,
// including body iteration, holds one lock shared by all workers.
type dispatcher struct {
	app        wsgi.Application
	serialized bool
	mu         sync.Mutex
}

func newDispatcher(app wsgi.Application, mode string) *dispatcher {
	return &dispatcher{app: app, serialized: mode == DispatchSerialized}
}

func (d *dispatcher) lock() {
	if d.serialized {
		d.mu.Lock()
	}
}

func (d *dispatcher) unlock() {
	if d.serialized {
		d.mu.Unlock()
	}
}

// call invokes the application. A panic is recovered and returned as an
// error.
func (d *dispatcher) call(env *wsgi.Environ, start wsgi.StartResponse) (body wsgi.Body, err error) {
	d.lock()
	defer d.unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in application: %v\n%s", r, debug.Stack())
			body, err = nil, fmt.Errorf("application panic: %v", r)
		}
	}()
	return d.app.Call(env, start)
}

// next pulls the next chunk from body.
func (d *dispatcher) next(body wsgi.Body) (chunk []byte, err error) {
	d.lock()
	defer d.unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in response body: %v\n%s", r, debug.Stack())
			chunk, err = nil, fmt.Errorf("response body panic: %v", r)
		}
	}()
	return body.Next()
}

// close closes body, logging any error.
func (d *dispatcher) close(body wsgi.Body) {
	d.lock()
	defer d.unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic closing response body: %v", r)
		}
	}()
	if err := body.Close(); err != nil {
		logger.Debug("Error closing response body: %v", err)
	}
}

// sendFile returns body's send-file state, or nil when body has none.
func (d *dispatcher) sendFile(body wsgi.Body) (sf *wsgi.SendFileInfo, err error) {
	s, ok := body.(sendFiler)
	if !ok {
		return nil, nil
	}
	d.lock()
	defer d.unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in response body: %v\n%s", r, debug.Stack())
			sf, err = nil, fmt.Errorf("response body panic: %v", r)
		}
	}()
	return s.SendFile(), nil
}
