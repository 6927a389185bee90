package http1

import (
	"bytes"
	"errors"
	"math"
	"strconv"
)

var (
	// ErrIncomplete means more input is needed. It is not a failure.
	ErrIncomplete = errors.New("http1: incomplete request")

	ErrMalformed                   = errors.New("http1: malformed request")
	ErrTooManyHeaders              = errors.New("http1: too many headers")
	ErrHeaderTooLarge              = errors.New("http1: request header block too large")
	ErrBodyTooLarge                = errors.New("http1: request body too large")
	ErrUnsupportedTransferEncoding = errors.New("http1: transfer-encoding not supported on requests")
	ErrUnsupportedVersion          = errors.New("http1: unsupported HTTP version")
)

// Limits bounds the resources a single request may consume.
// Zero disables a limit.
type Limits struct {
	MaxHeaders     int
	MaxHeaderBytes int
	MaxBodySize    int64
}

type phase uint8

const (
	phaseRequestLine phase = iota
	phaseHeaders
	phaseBody
)

// Parser incrementally parses one request at a time.
//
// The caller accumulates bytes read from the socket in a buffer that starts
// at the beginning of the current request and passes the whole buffer to
// Feed after every read. The parser remembers how far it got, so lines
// already parsed are never scanned again.
//
// A Parser is not safe for concurrent use; each connection owns one.
type Parser struct {
	limits Limits

	phase     phase
	pos       int
	bodyStart int
	req       Request
}

func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits}
}

// Reset discards any partial state so the parser can start a new request.
func (p *Parser) Reset() {
	p.phase = phaseRequestLine
	p.pos = 0
	p.bodyStart = 0
	p.req = Request{}
}

// Feed parses as much of buf as possible.
//
// Returns:
//   - the request and the number of bytes of buf it occupied, when complete
//   - ErrIncomplete when buf ends before the request does
//   - any other error when the input cannot be a valid request; the parser
//     must then be discarded or Reset
//
// After a complete request the parser resets itself. Bytes past the
// returned length belong to the next request.
func (p *Parser) Feed(buf []byte) (*Request, int, error) {
	for p.phase != phaseBody {
		i := bytes.IndexByte(buf[p.pos:], '\n')
		if i < 0 {
			if p.limits.MaxHeaderBytes > 0 && len(buf) > p.limits.MaxHeaderBytes {
				return nil, 0, ErrHeaderTooLarge
			}
			return nil, 0, ErrIncomplete
		}

		end := p.pos + i
		line := bytes.TrimSuffix(buf[p.pos:end], []byte{'\r'})
		p.pos = end + 1

		if p.limits.MaxHeaderBytes > 0 && p.pos > p.limits.MaxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}

		switch p.phase {
		case phaseRequestLine:
			// Leading empty lines before the request line are ignored.
			if len(line) == 0 {
				continue
			}
			if err := p.parseRequestLine(line); err != nil {
				return nil, 0, err
			}
			p.phase = phaseHeaders

		case phaseHeaders:
			if len(line) == 0 {
				if err := p.finishHead(); err != nil {
					return nil, 0, err
				}
				p.bodyStart = p.pos
				p.phase = phaseBody
				continue
			}
			if err := p.parseHeader(line); err != nil {
				return nil, 0, err
			}
		}
	}

	total := p.bodyStart + int(p.req.ContentLength)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	req := p.req
	req.HeadBytes = p.bodyStart
	if req.ContentLength > 0 {
		req.Body = append([]byte(nil), buf[p.bodyStart:total]...)
	}
	p.Reset()

	return &req, total, nil
}

func (p *Parser) parseRequestLine(line []byte) error {
	first := bytes.IndexByte(line, ' ')
	last := bytes.LastIndexByte(line, ' ')
	if first <= 0 || last == first || last == len(line)-1 {
		return ErrMalformed
	}

	method := line[:first]
	target := line[first+1 : last]
	proto := line[last+1:]

	if !isToken(method) || len(target) == 0 || bytes.IndexByte(target, ' ') >= 0 {
		return ErrMalformed
	}
	if target[0] != '/' && !bytes.Equal(target, []byte("*")) && !bytes.Contains(target, []byte("://")) {
		return ErrMalformed
	}

	major, minor, err := parseVersion(proto)
	if err != nil {
		return err
	}

	p.req.Method = string(method)
	p.req.Target = string(target)
	p.req.Path, p.req.RawQuery = splitTarget(p.req.Target)
	p.req.Proto = string(proto)
	p.req.ProtoMajor = major
	p.req.ProtoMinor = minor
	return nil
}

func parseVersion(proto []byte) (int, int, error) {
	// HTTP/d.d
	if len(proto) != 8 || !bytes.HasPrefix(proto, []byte("HTTP/")) || proto[6] != '.' {
		return 0, 0, ErrMalformed
	}
	major, minor := proto[5], proto[7]
	if major < '0' || major > '9' || minor < '0' || minor > '9' {
		return 0, 0, ErrMalformed
	}
	if major != '1' {
		return 0, 0, ErrUnsupportedVersion
	}
	return 1, int(minor - '0'), nil
}

func (p *Parser) parseHeader(line []byte) error {
	// obsolete line folding is not accepted
	if line[0] == ' ' || line[0] == '\t' {
		return ErrMalformed
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 || !isToken(line[:colon]) {
		return ErrMalformed
	}

	if p.limits.MaxHeaders > 0 && len(p.req.Headers) >= p.limits.MaxHeaders {
		return ErrTooManyHeaders
	}

	value := bytes.Trim(line[colon+1:], " \t")
	p.req.Headers = append(p.req.Headers, Header{
		Name:  string(line[:colon]),
		Value: string(value),
	})
	return nil
}

func (p *Parser) finishHead() error {
	if _, ok := p.req.Header("Transfer-Encoding"); ok {
		return ErrUnsupportedTransferEncoding
	}

	length := int64(-1)
	for _, h := range p.req.Headers {
		if !equalFoldASCII(h.Name, "Content-Length") {
			continue
		}
		n, err := parseContentLength(h.Value)
		if err != nil {
			return ErrMalformed
		}
		if length >= 0 && n != length {
			return ErrMalformed
		}
		length = n
	}
	if length < 0 {
		length = 0
	}
	if p.limits.MaxBodySize > 0 && length > p.limits.MaxBodySize {
		return ErrBodyTooLarge
	}
	// The whole request must stay addressable in one buffer.
	if length > int64(math.MaxInt-p.pos) {
		return ErrBodyTooLarge
	}

	p.req.ContentLength = length
	return nil
}

// parseContentLength accepts only a non-empty run of decimal digits.
func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, ErrMalformed
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, ErrMalformed
		}
	}
	return strconv.ParseInt(v, 10, 64)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
