package http1

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/marmos91/ferment/internal/logger"
)

// ServerToken identifies this server in the Via header of every response.
const ServerToken = "ferment"

var (
	ErrHeadersNotSet  = errors.New("http1: response started before headers were set")
	ErrAlreadyStarted = errors.New("http1: headers already set")
	ErrHeadersSent    = errors.New("http1: headers already sent")
	ErrInvalidStatus  = errors.New("http1: invalid status line")
	ErrInvalidHeader  = errors.New("http1: invalid header")
)

// Response holds the status and headers an application set, and frames
// body data for the wire.
//
// Lifecycle:
//  1. Start stores status and headers ("headers set")
//  2. the first Write emits the head ("headers sent") and the first chunk
//  3. further Writes frame body data according to the response's length
//     delimitation: truncated to Content-Length, chunked, or raw
//  4. WriteFinalChunk terminates a chunked body
//
// A Response is owned by one connection and reused across requests via
// Reset. It is not safe for concurrent use.
type Response struct {
	status        string
	headers       []Header
	headersSet    bool
	headersSent   bool
	contentLength int64
	written       int64
	chunked       bool
	finished      bool
}

func NewResponse() *Response {
	return &Response{contentLength: -1}
}

// Reset prepares the Response for the next request on the connection.
func (r *Response) Reset() {
	*r = Response{contentLength: -1, headers: r.headers[:0]}
}

// Start records the status line and headers.
//
// excInfo carries an application error. It is logged and, unlike a plain
// second call, allows the stored headers to be replaced as long as nothing
// has been sent yet. Once headers are on the wire, a non-nil excInfo is
// returned wrapped so the caller can abort the connection.
func (r *Response) Start(status string, headers []Header, excInfo error) error {
	if excInfo != nil {
		logger.Error("exc_info from application: %v", excInfo)
		if r.headersSent {
			return fmt.Errorf("%w: %w", ErrHeadersSent, excInfo)
		}
	} else if r.headersSet {
		return ErrAlreadyStarted
	}

	if status == "" || hasCRLF(status) {
		return ErrInvalidStatus
	}
	for _, h := range headers {
		if !isToken([]byte(h.Name)) || hasCRLF(h.Value) {
			return fmt.Errorf("%w: %q", ErrInvalidHeader, h.Name)
		}
	}

	r.status = status
	r.headers = append(r.headers[:0], headers...)
	r.headersSet = true
	return nil
}

// Status returns the stored status line, e.g. "200 OK".
func (r *Response) Status() string { return r.status }

// StatusCode returns the numeric part of the status, or 0 if it has none.
func (r *Response) StatusCode() int {
	if len(r.status) < 3 {
		return 0
	}
	code, err := strconv.Atoi(r.status[:3])
	if err != nil {
		return 0
	}
	return code
}

func (r *Response) HeadersSet() bool  { return r.headersSet }
func (r *Response) HeadersSent() bool { return r.headersSent }

// Chunked reports whether the body is being sent with chunked framing.
func (r *Response) Chunked() bool { return r.chunked }

// ContentLength returns the declared Content-Length or -1. It is only
// meaningful once headers were sent.
func (r *Response) ContentLength() int64 { return r.contentLength }

// BytesWritten returns the number of body bytes framed so far, excluding
// chunk framing.
func (r *Response) BytesWritten() int64 { return r.written }

// AddBytesWritten accounts for n body bytes sent without going through
// Write, as with sendfile.
func (r *Response) AddBytesWritten(n int64) {
	r.written += n
}

// ContentComplete reports whether a declared Content-Length has been
// fully written.
func (r *Response) ContentComplete() bool {
	return r.contentLength >= 0 && r.written >= r.contentLength
}

// Delimited reports whether the client can find the end of the body
// without the connection being closed.
func (r *Response) Delimited() bool {
	return r.ContentComplete() || (r.chunked && r.finished)
}

// PeekContentLength parses Content-Length from the stored headers without
// sending anything. Returns -1 when absent or invalid.
func (r *Response) PeekContentLength() int64 {
	v, ok := Lookup(r.headers, "Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Write appends data, framed for the wire, to out and returns the extended
// slice. The first call also appends the status line and headers, even when
// data is empty.
//
// closeConn selects the Connection header. chunkedTransfer enables chunked
// framing for responses without a valid Content-Length.
func (r *Response) Write(out, data []byte, closeConn, chunkedTransfer bool) ([]byte, error) {
	if !r.headersSent {
		if !r.headersSet {
			return out, ErrHeadersNotSet
		}
		out = r.appendHead(out, closeConn, chunkedTransfer)
	}

	switch {
	case r.contentLength >= 0:
		remaining := r.contentLength - r.written
		n := int64(len(data))
		if n > remaining {
			n = remaining
		}
		if n > 0 {
			out = append(out, data[:n]...)
			r.written += n
		}

	case r.chunked:
		if len(data) > 0 {
			out = strconv.AppendUint(out, uint64(len(data)), 16)
			upperHex(out[len(out)-hexLen(len(data)):])
			out = append(out, '\r', '\n')
			out = append(out, data...)
			out = append(out, '\r', '\n')
			r.written += int64(len(data))
		}

	default:
		out = append(out, data...)
		r.written += int64(len(data))
	}

	return out, nil
}

// WriteFinalChunk appends the terminating zero-length chunk of a chunked
// body. It is a no-op for other responses and after the first call.
func (r *Response) WriteFinalChunk(out []byte) []byte {
	if !r.chunked || r.finished {
		return out
	}
	r.finished = true
	return append(out, "0\r\n\r\n"...)
}

func (r *Response) appendHead(out []byte, closeConn, chunkedTransfer bool) []byte {
	r.headersSent = true

	out = append(out, "HTTP/1.1 "...)
	out = append(out, r.status...)
	out = append(out, '\r', '\n')

	for _, h := range r.headers {
		if equalFoldASCII(h.Name, "Content-Length") {
			n, err := strconv.ParseInt(h.Value, 10, 64)
			if err != nil || n < 0 {
				logger.Error("Could not parse Content-Length header %q: %v", h.Value, err)
			} else {
				r.contentLength = n
			}
		}
		out = append(out, h.Name...)
		out = append(out, ':', ' ')
		out = append(out, h.Value...)
		out = append(out, '\r', '\n')
	}

	out = append(out, "Via: "+ServerToken+"\r\n"...)
	if closeConn {
		out = append(out, "Connection: close\r\n"...)
	} else {
		out = append(out, "Connection: keep-alive\r\n"...)
	}

	if r.contentLength < 0 && chunkedTransfer {
		r.chunked = true
		out = append(out, "Transfer-Encoding: chunked\r\n"...)
	}

	return append(out, '\r', '\n')
}

func hexLen(n int) int {
	l := 1
	for n >= 16 {
		n >>= 4
		l++
	}
	return l
}

func upperHex(b []byte) {
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - ('a' - 'A')
		}
	}
}
