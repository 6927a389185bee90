//go:build !linux

package http

import (
	"context"
	"errors"

	"github.com/marmos91/ferment/pkg/metrics"
	"github.com/marmos91/ferment/pkg/wsgi"
)

var errUnsupported = errors.New("the HTTP adapter requires Linux (epoll, sendfile)")

// HTTPAdapter is unavailable on this platform.
type HTTPAdapter struct {
	config HTTPConfig
}

// New always fails on this platform.
func New(config HTTPConfig, _ metrics.HTTPMetrics) (*HTTPAdapter, error) {
	return nil, errUnsupported
}

func (s *HTTPAdapter) SetApplication(wsgi.Application) {}
func (s *HTTPAdapter) Serve(context.Context) error     { return errUnsupported }
func (s *HTTPAdapter) Stop(context.Context) error      { return nil }
func (s *HTTPAdapter) Protocol() string                { return "HTTP" }
func (s *HTTPAdapter) Port() int                       { return s.config.configuredPort() }
func (s *HTTPAdapter) Addr() string                    { return "" }
func (s *HTTPAdapter) Ready() <-chan struct{}          { return nil }
func (s *HTTPAdapter) GetActiveConnections() int32     { return 0 }
