//go:build linux

package http

import (
	"errors"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/internal/protocol/http1"
	"github.com/marmos91/ferment/internal/reactor"
	"github.com/marmos91/ferment/pkg/wsgi"
	"golang.org/x/sys/unix"
)

// writeBatch is how much buffered body data is gathered before flushing.
const writeBatch = 16 << 10

// sendFiler is implemented by bodies that can be sent with sendfile.
type sendFiler interface {
	SendFile() *wsgi.SendFileInfo
}

// HTTPConnection is one client connection and its request/response cycle.
//
// A connection belongs to the worker that registered it. All methods run
// on that worker's thread; nothing here is safe for concurrent use.
type HTTPConnection struct {
	w      *worker
	fd     int
	id     string
	remote string

	state    State
	interest reactor.Interest

	parser *http1.Parser
	resp   *http1.Response
	req    *http1.Request
	body   wsgi.Body

	sendfile *wsgi.SendFileInfo

	readBuf  []byte
	writeBuf []byte
	writeOff int

	reuseCount uint8
	keepAlive  bool
	closeConn  bool

	lastActivity time.Time
	started      time.Time
}

func newHTTPConnection(w *worker, fd int, remote string) *HTTPConnection {
	return &HTTPConnection{
		w:            w,
		fd:           fd,
		id:           uuid.NewString(),
		remote:       remote,
		state:        AwaitingRequest,
		parser:       http1.NewParser(w.adapter.opts.Limits),
		resp:         http1.NewResponse(),
		readBuf:      http1.GetBuffer(w.adapter.opts.ReadBufferSize),
		writeBuf:     http1.GetBuffer(0),
		lastActivity: time.Now(),
	}
}

func (c *HTTPConnection) remoteLabel() string {
	if c.remote == "" {
		return "unix socket"
	}
	return c.remote
}

// State returns the connection's current state.
func (c *HTTPConnection) State() State { return c.state }

func (c *HTTPConnection) setInterest(in reactor.Interest) bool {
	if c.interest == in {
		return true
	}
	if err := c.w.poller.Modify(c.fd, in); err != nil {
		logger.Debug("HTTP connection %s: %v", c.id, err)
		c.close()
		return false
	}
	c.interest = in
	return true
}

// handleRead reads what the socket has and feeds it to the parser.
func (c *HTTPConnection) handleRead() {
	for {
		if len(c.readBuf) == cap(c.readBuf) {
			c.growReadBuf()
		}

		n, err := unix.Read(c.fd, c.readBuf[len(c.readBuf):cap(c.readBuf)])
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR):
				continue
			default:
				logger.Debug("HTTP connection %s read error: %v", c.id, err)
				c.close()
				return
			}
		}
		if n == 0 {
			if len(c.readBuf) > 0 {
				logger.Debug("HTTP connection %s closed by peer with a partial request", c.id)
			}
			c.close()
			return
		}

		c.readBuf = c.readBuf[:len(c.readBuf)+n]
		c.lastActivity = time.Now()
		c.state = ReadingRequest
		c.w.adapter.metrics.RecordBytesReceived(int64(n))

		if c.parse() {
			return
		}
	}
}

func (c *HTTPConnection) growReadBuf() {
	grown := http1.GetBuffer(2 * max(cap(c.readBuf), 1))
	grown = append(grown, c.readBuf...)
	http1.PutBuffer(c.readBuf)
	c.readBuf = grown
}

// parse feeds the read buffer to the parser. It returns true once the
// connection stopped reading, because a request is complete or because
// the input was rejected.
func (c *HTTPConnection) parse() bool {
	req, n, err := c.parser.Feed(c.readBuf)
	if errors.Is(err, http1.ErrIncomplete) {
		return false
	}
	if err != nil {
		c.reject(err)
		return true
	}

	// Bytes after the request stay buffered for the next one.
	rest := copy(c.readBuf, c.readBuf[n:])
	c.readBuf = c.readBuf[:rest]

	c.req = req
	c.state = Dispatching
	if !c.setInterest(reactor.None) {
		return true
	}
	c.w.enqueue(c)
	return true
}

// reject answers unparseable input with an error status and closes.
func (c *HTTPConnection) reject(err error) {
	code := http1.StatusForError(err)
	logger.Debug("HTTP connection %s: rejecting request with %d: %v", c.id, code, err)
	c.w.adapter.metrics.RecordParseError(code)

	c.writeBuf = http1.AppendErrorResponse(c.writeBuf[:0], code)
	rawWrite(c.fd, c.writeBuf)
	c.close()
}

// dispatch calls the application for the parsed request and starts
// writing the response.
func (c *HTTPConnection) dispatch() {
	s := c.w.adapter
	c.started = time.Now()
	c.lastActivity = c.started

	c.keepAlive = c.reuseCount < s.opts.Connection.MaxReuseCount &&
		c.req.KeepAlive() &&
		!s.draining.Load()

	env := buildEnviron(c.req, &s.opts.WSGI, c.remote, c.id)
	body, err := s.dispatcher.call(env, c.resp)
	if err != nil {
		if body != nil {
			s.dispatcher.close(body)
		}
		c.fail(err)
		return
	}
	if body == nil {
		body = wsgi.NewBytesBody()
	}
	c.body = body
	c.state = WritingHeaders
	c.pump()
}

// fail handles an application error. Before the response started the
// client gets a 500; either way the connection closes.
func (c *HTTPConnection) fail(err error) {
	logger.Error("Application error on %s %s: %v", c.req.Method, c.req.Target, err)

	status := c.resp.StatusCode()
	if !c.resp.HeadersSent() {
		status = http1.StatusInternalServerError
		c.writeBuf = http1.AppendErrorResponse(c.writeBuf[:0], status)
		c.writeOff = 0
	}
	if c.writeOff < len(c.writeBuf) {
		rawWrite(c.fd, c.writeBuf[c.writeOff:])
	}
	c.w.adapter.metrics.RecordRequest(c.req.Method, status, time.Since(c.started))
	c.close()
}

// pump moves the response forward until the socket would block or the
// response is done.
func (c *HTTPConnection) pump() {
	for {
		if c.writeOff < len(c.writeBuf) && !c.flush() {
			return
		}

		var progress bool
		switch c.state {
		case WritingHeaders:
			progress = c.writeHeaders()
		case WritingBody, WritingChunk:
			progress = c.writeBody()
		case SendingFile:
			progress = c.sendFile()
		case Completed:
			c.finish()
			return
		default:
			return
		}
		if !progress {
			return
		}
	}
}

// flush writes buffered output. It returns false when the socket would
// block or the connection was closed.
func (c *HTTPConnection) flush() bool {
	for c.writeOff < len(c.writeBuf) {
		n, err := unix.Write(c.fd, c.writeBuf[c.writeOff:])
		if n > 0 {
			c.writeOff += n
			c.lastActivity = time.Now()
			c.w.adapter.metrics.RecordBytesSent("buffered", int64(n))
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				c.setInterest(reactor.Writable)
				return false
			case errors.Is(err, unix.EINTR):
				continue
			default:
				logger.Debug("HTTP connection %s write error: %v", c.id, err)
				c.close()
				return false
			}
		}
	}
	c.writeBuf = c.writeBuf[:0]
	c.writeOff = 0
	return true
}

func (c *HTTPConnection) writeHeaders() bool {
	opts := &c.w.adapter.opts.WSGI

	c.closeConn = !c.keepAlive ||
		(c.resp.PeekContentLength() < 0 && !opts.ChunkedTransfer)

	sf, err := c.w.adapter.dispatcher.sendFile(c.body)
	if err != nil {
		c.fail(err)
		return false
	}

	out, err := c.resp.Write(c.writeBuf, nil, c.closeConn, opts.ChunkedTransfer)
	if err != nil {
		c.fail(err)
		return false
	}
	c.writeBuf = out

	if sf != nil && !c.resp.Chunked() {
		c.sendfile = sf
		if c.sendfile.Blocksize == 0 {
			c.sendfile.Blocksize = c.w.adapter.opts.SendfileBlocksize
		}
		if cl := c.resp.ContentLength(); cl >= 0 {
			c.sendfile.UpdateContentLength(cl)
		}
		c.state = SendingFile
		return true
	}

	if c.resp.Chunked() {
		c.state = WritingChunk
	} else {
		c.state = WritingBody
	}
	return true
}

// writeBody buffers body chunks, up to writeBatch bytes per flush.
func (c *HTTPConnection) writeBody() bool {
	s := c.w.adapter
	chunked := s.opts.WSGI.ChunkedTransfer

	for len(c.writeBuf)-c.writeOff < writeBatch {
		if c.resp.ContentComplete() {
			c.state = Completed
			return true
		}

		chunk, err := s.dispatcher.next(c.body)
		if errors.Is(err, io.EOF) {
			c.writeBuf = c.resp.WriteFinalChunk(c.writeBuf)
			c.state = Completed
			return true
		}
		if err != nil {
			c.fail(err)
			return false
		}

		c.writeBuf, err = c.resp.Write(c.writeBuf, chunk, c.closeConn, chunked)
		if err != nil {
			c.fail(err)
			return false
		}
	}
	return true
}

func (c *HTTPConnection) sendFile() bool {
	sf := c.sendfile
	before := sf.Offset

	done, offset := sf.SendFile(c.fd)
	if n := offset - before; n > 0 {
		c.resp.AddBytesWritten(n)
		c.lastActivity = time.Now()
		c.w.adapter.metrics.RecordBytesSent("sendfile", n)
	}

	switch {
	case done:
		c.state = Completed
		return true
	case offset == before:
		c.setInterest(reactor.Writable)
		return false
	default:
		return true
	}
}

// finish ends the response and either closes the connection or makes it
// ready for the next request.
func (c *HTTPConnection) finish() {
	s := c.w.adapter
	s.metrics.RecordRequest(c.req.Method, c.resp.StatusCode(), time.Since(c.started))
	c.releaseBody()

	if c.closeConn || !c.delimited() || s.draining.Load() {
		c.close()
		return
	}

	c.state = Reusing
	c.reuseCount++
	c.req = nil
	c.sendfile = nil
	c.resp.Reset()
	c.parser.Reset()
	c.lastActivity = time.Now()
	s.metrics.RecordConnectionReused()

	c.state = AwaitingRequest
	if !c.setInterest(reactor.Readable) {
		return
	}
	if len(c.readBuf) > 0 {
		c.state = ReadingRequest
		c.parse()
	}
}

// delimited reports whether the client can find the end of the response
// without the connection being closed. A HEAD response carries no body
// whatever its Content-Length says.
func (c *HTTPConnection) delimited() bool {
	if c.req.Method == "HEAD" && c.resp.BytesWritten() == 0 && !c.resp.Chunked() {
		return true
	}
	return c.resp.Delimited()
}

func (c *HTTPConnection) releaseBody() {
	if c.body != nil {
		c.w.adapter.dispatcher.close(c.body)
		c.body = nil
	}
}

// recoverPanic closes c after a panic while serving it. The worker and
// its other connections keep running.
func (c *HTTPConnection) recoverPanic() {
	if r := recover(); r != nil {
		logger.Error("Panic in HTTP connection %s from %s: %v\n%s", c.id, c.remoteLabel(), r, debug.Stack())
		c.close()
	}
}

// close tears the connection down. It is idempotent.
func (c *HTTPConnection) close() {
	if c.state == Closing {
		return
	}
	c.state = Closing

	if err := c.w.poller.Remove(c.fd); err != nil {
		logger.Debug("HTTP connection %s: %v", c.id, err)
	}
	if err := unix.Close(c.fd); err != nil {
		logger.Debug("HTTP connection %s close error: %v", c.id, err)
	}

	c.releaseBody()
	http1.PutBuffer(c.readBuf)
	http1.PutBuffer(c.writeBuf)
	c.readBuf, c.writeBuf, c.writeOff = nil, nil, 0

	delete(c.w.conns, c.fd)
	c.w.adapter.connClosed(c)
	logger.Debug("HTTP connection %s closed (reused %d times)", c.id, c.reuseCount)
}
