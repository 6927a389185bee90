// Package http1 implements the HTTP/1.1 wire format used by the ferment
// server: an incremental request parser that can be fed partial input as
// it arrives from a non-blocking socket, and a response writer that frames
// an application's status, headers and body chunks.
//
// Nothing in this package performs I/O. Callers own the buffers and the
// sockets; the parser and writer only transform bytes.
package http1
