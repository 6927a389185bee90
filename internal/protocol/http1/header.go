package http1

import "strings"

// Header is a single header field. Order and duplicates are preserved.
type Header struct {
	Name  string
	Value string
}

// Lookup returns the value of the first header whose name matches name
// case-insensitively.
func Lookup(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// hasToken reports whether a comma separated header value contains token,
// compared case-insensitively.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func hasCRLF(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
