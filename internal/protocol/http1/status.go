package http1

import (
	"errors"
	"strconv"
)

const (
	StatusBadRequest                  = 400
	StatusRequestEntityTooLarge       = 413
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError         = 500
	StatusNotImplemented              = 501
	StatusServiceUnavailable          = 503
	StatusHTTPVersionNotSupported     = 505
)

var statusText = map[int]string{
	StatusBadRequest:                  "Bad Request",
	StatusRequestEntityTooLarge:       "Request Entity Too Large",
	StatusRequestHeaderFieldsTooLarge: "Request Header Fields Too Large",
	StatusInternalServerError:         "Internal Server Error",
	StatusNotImplemented:              "Not Implemented",
	StatusServiceUnavailable:          "Service Unavailable",
	StatusHTTPVersionNotSupported:     "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for the status codes the server
// generates itself.
func StatusText(code int) string {
	return statusText[code]
}

// StatusForError maps a parser error to the status sent before closing.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrTooManyHeaders), errors.Is(err, ErrHeaderTooLarge):
		return StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrBodyTooLarge):
		return StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		return StatusNotImplemented
	case errors.Is(err, ErrUnsupportedVersion):
		return StatusHTTPVersionNotSupported
	default:
		return StatusBadRequest
	}
}

// AppendErrorResponse appends a complete empty-bodied response that asks
// the client to close the connection.
func AppendErrorResponse(out []byte, code int) []byte {
	out = append(out, "HTTP/1.1 "...)
	out = strconv.AppendInt(out, int64(code), 10)
	out = append(out, ' ')
	out = append(out, StatusText(code)...)
	out = append(out, "\r\nVia: "+ServerToken+"\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"...)
	return out
}
