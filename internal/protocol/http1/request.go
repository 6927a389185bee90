package http1

import "strings"

// Request is a fully parsed request head plus its body.
type Request struct {
	Method string

	// Target is the request-target exactly as received.
	Target string

	// Path and RawQuery split Target at the first '?'. For absolute-form
	// targets the scheme and authority are removed from Path.
	Path     string
	RawQuery string

	// Proto is "HTTP/1.0" or "HTTP/1.1".
	Proto      string
	ProtoMajor int
	ProtoMinor int

	Headers []Header
	Body    []byte

	// ContentLength is the declared body length, 0 when absent.
	ContentLength int64

	// HeadBytes is the size of the request line and header block.
	HeadBytes int
}

// Header returns the first header value matching name case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	return Lookup(r.Headers, name)
}

// KeepAlive reports whether the client allows the connection to be reused
// after this request. HTTP/1.1 is persistent unless "Connection: close" is
// sent; HTTP/1.0 needs an explicit "Connection: keep-alive".
func (r *Request) KeepAlive() bool {
	conn, ok := r.Header("Connection")
	if r.ProtoMajor == 1 && r.ProtoMinor >= 1 {
		return !ok || !hasToken(conn, "close")
	}
	return ok && hasToken(conn, "keep-alive")
}

func splitTarget(target string) (path, query string) {
	if i := strings.Index(target, "://"); i > 0 && !strings.HasPrefix(target, "/") {
		rest := target[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			target = rest[j:]
		} else {
			target = "/"
		}
		if strings.HasPrefix(target, "?") {
			target = "/" + target
		}
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}
