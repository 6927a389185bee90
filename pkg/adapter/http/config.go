package http

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/marmos91/ferment/internal/protocol/http1"
)

// Dispatch modes.
const (
	// DispatchConcurrent lets every worker call the application in parallel.
	DispatchConcurrent = "concurrent"

	// DispatchSerialized wraps every application call in one process-wide
	// lock, for applications that are not safe for concurrent use.
	DispatchSerialized = "serialized"
)

// HTTPConfig holds configuration parameters for the HTTP server.
//
// Default values (applied by New if zero, or nil for NumWorkers):
//   - NumWorkers: 2
//   - MaxNumberHeaders: 32
//   - KeepaliveTimeout: 60s
//   - SendTimeout: 60s
//   - DispatchMode: concurrent
//   - MaxRequestBodySize: 10MB
//   - ReadBufferSize: 16KB
//   - SendfileBlocksize: 64KB
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m
//
// MaxReuseCount defaults to 0, which closes every connection after its
// first response.
type HTTPConfig struct {
	// Enabled controls whether the HTTP adapter is active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address selects the listening socket:
	//   - "host:port" binds TCP (IPv4 or IPv6, e.g. "[::1]:7878")
	//   - any other non-empty string is a Unix socket path
	//   - empty inherits a socket-activated listener (LISTEN_FDS)
	Address string `mapstructure:"address" yaml:"address"`

	// NumWorkers is the number of worker threads, each with its own
	// event loop. Must be at least 1; nil selects the default.
	NumWorkers *int `mapstructure:"num_workers" yaml:"num_workers"`

	// MaxNumberHeaders is the most headers a request may carry.
	MaxNumberHeaders int `mapstructure:"max_number_headers" validate:"min=0" yaml:"max_number_headers"`

	// ChunkedTransfer enables chunked responses when the application sets
	// no Content-Length. Without it such responses close the connection.
	ChunkedTransfer bool `mapstructure:"chunked_transfer" yaml:"chunked_transfer"`

	// MaxReuseCount is how many times a connection may be reused for a
	// further request.
	MaxReuseCount uint8 `mapstructure:"max_reuse_count" yaml:"max_reuse_count"`

	// KeepaliveTimeout closes connections idle between requests, or stuck
	// in the middle of one, for longer than this. 0 selects the default.
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout" validate:"min=0" yaml:"keepalive_timeout"`

	// SendTimeout closes connections whose response makes no progress for
	// longer than this. 0 selects the default.
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"min=0" yaml:"send_timeout"`

	// QmonWarnThreshold logs a warning when more connections and requests
	// than this wait for a worker. 0 disables the warning.
	QmonWarnThreshold int `mapstructure:"qmon_warn_threshold" validate:"min=0" yaml:"qmon_warn_threshold"`

	// ScriptName is the mount point of the application, reported as
	// SCRIPT_NAME and stripped from PATH_INFO.
	ScriptName string `mapstructure:"script_name" yaml:"script_name"`

	// DispatchMode is "concurrent" or "serialized".
	DispatchMode string `mapstructure:"dispatch_mode" validate:"omitempty,oneof=concurrent serialized" yaml:"dispatch_mode"`

	// MaxConnections limits concurrent connections; extra connections are
	// closed right after accept. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// MaxRequestBodySize rejects requests declaring a larger body with 413.
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size" validate:"min=0" yaml:"max_request_body_size"`

	// MaxHeaderBytes bounds the request line plus header block.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"min=0" yaml:"max_header_bytes"`

	// ReadBufferSize is the initial per-connection read buffer.
	ReadBufferSize int `mapstructure:"read_buffer_size" validate:"min=0" yaml:"read_buffer_size"`

	// SendfileBlocksize is the default block size for file responses.
	SendfileBlocksize int `mapstructure:"sendfile_blocksize" yaml:"sendfile_blocksize"`

	// ShutdownTimeout bounds graceful shutdown before connections are
	// force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MetricsLogInterval is the interval of the periodic stats log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0" yaml:"metrics_log_interval"`
}

// ApplyDefaults fills in zero values with defaults.
func (c *HTTPConfig) ApplyDefaults() {
	if c.NumWorkers == nil {
		workers := 2
		c.NumWorkers = &workers
	}
	if c.MaxNumberHeaders == 0 {
		c.MaxNumberHeaders = 32
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 60 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 60 * time.Second
	}
	if c.DispatchMode == "" {
		c.DispatchMode = DispatchConcurrent
	}
	if c.MaxRequestBodySize == 0 {
		c.MaxRequestBodySize = 10 << 20
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 64 << 10
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 16 << 10
	}
	if c.SendfileBlocksize == 0 {
		c.SendfileBlocksize = 64 << 10
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
}

// Validate checks the configuration. Errors here are startup errors.
func (c *HTTPConfig) Validate() error {
	if c.Workers() < 1 {
		return fmt.Errorf("need at least 1 worker, got %d", c.Workers())
	}
	if c.MaxNumberHeaders < 1 {
		return fmt.Errorf("invalid max_number_headers %d: must be >= 1", c.MaxNumberHeaders)
	}
	if c.KeepaliveTimeout < 0 {
		return fmt.Errorf("invalid keepalive_timeout %v: must be >= 0", c.KeepaliveTimeout)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("invalid send_timeout %v: must be >= 0", c.SendTimeout)
	}
	if c.QmonWarnThreshold < 0 {
		return fmt.Errorf("invalid qmon_warn_threshold %d: must be >= 0", c.QmonWarnThreshold)
	}
	if c.DispatchMode != DispatchConcurrent && c.DispatchMode != DispatchSerialized {
		return fmt.Errorf("invalid dispatch_mode %q: must be %q or %q",
			c.DispatchMode, DispatchConcurrent, DispatchSerialized)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid max_connections %d: must be >= 0", c.MaxConnections)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown_timeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// Workers returns NumWorkers, or 0 when it is unset.
func (c *HTTPConfig) Workers() int {
	if c.NumWorkers == nil {
		return 0
	}
	return *c.NumWorkers
}

// ServerOptions is the immutable configuration shared read-only by all
// workers of a running adapter.
type ServerOptions struct {
	NumWorkers int
	Limits     http1.Limits
	Connection ConnectionOptions
	WSGI       WSGIOptions

	DispatchMode      string
	MaxConnections    int
	ReadBufferSize    int
	SendfileBlocksize int
}

// ConnectionOptions governs connection reuse.
type ConnectionOptions struct {
	MaxReuseCount    uint8
	KeepaliveTimeout time.Duration
}

// WSGIOptions governs how requests are presented to the application and
// how responses are framed.
type WSGIOptions struct {
	ServerName        string
	ServerPort        string
	ScriptName        string
	ChunkedTransfer   bool
	QmonWarnThreshold int
	SendTimeout       time.Duration
}

// serverOptions derives the runtime options. serverName and serverPort
// come from the bound listener.
func (c *HTTPConfig) serverOptions(serverName, serverPort string) ServerOptions {
	return ServerOptions{
		NumWorkers: c.Workers(),
		Limits: http1.Limits{
			MaxHeaders:     c.MaxNumberHeaders,
			MaxHeaderBytes: c.MaxHeaderBytes,
			MaxBodySize:    c.MaxRequestBodySize,
		},
		Connection: ConnectionOptions{
			MaxReuseCount:    c.MaxReuseCount,
			KeepaliveTimeout: c.KeepaliveTimeout,
		},
		WSGI: WSGIOptions{
			ServerName:        serverName,
			ServerPort:        serverPort,
			ScriptName:        c.ScriptName,
			ChunkedTransfer:   c.ChunkedTransfer,
			QmonWarnThreshold: c.QmonWarnThreshold,
			SendTimeout:       c.SendTimeout,
		},
		DispatchMode:      c.DispatchMode,
		MaxConnections:    c.MaxConnections,
		ReadBufferSize:    c.ReadBufferSize,
		SendfileBlocksize: c.SendfileBlocksize,
	}
}

// configuredPort returns the TCP port named in Address, or 0.
func (c *HTTPConfig) configuredPort() int {
	_, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > math.MaxUint16 {
		return 0
	}
	return n
}
