package http1

import "sync"

// Buffers for connection I/O are pooled by size class so that idle
// keep-alive connections and short-lived ones do not churn the GC.
//
// Size classes:
//   - small (4KB): request heads, error responses, most response heads
//   - medium (64KB): read buffers and typical response bodies
//   - large (1MB): large request bodies and buffered file chunks
//
// Anything bigger is allocated directly and never pooled.
const (
	smallBufferSize  = 4 << 10
	mediumBufferSize = 64 << 10
	largeBufferSize  = 1 << 20
)

type bufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

var pool = &bufferPool{
	small:  sync.Pool{New: func() any { b := make([]byte, 0, smallBufferSize); return &b }},
	medium: sync.Pool{New: func() any { b := make([]byte, 0, mediumBufferSize); return &b }},
	large:  sync.Pool{New: func() any { b := make([]byte, 0, largeBufferSize); return &b }},
}

// GetBuffer returns an empty slice with capacity of at least size.
// Return it with PutBuffer when done.
func GetBuffer(size int) []byte {
	var bp *[]byte
	switch {
	case size <= smallBufferSize:
		bp = pool.small.Get().(*[]byte)
	case size <= mediumBufferSize:
		bp = pool.medium.Get().(*[]byte)
	case size <= largeBufferSize:
		bp = pool.large.Get().(*[]byte)
	default:
		return make([]byte, 0, size)
	}
	return (*bp)[:0]
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers whose
// capacity does not match a size class, for instance because append grew
// them, are left to the GC.
func PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:0]
	switch cap(buf) {
	case smallBufferSize:
		pool.small.Put(&buf)
	case mediumBufferSize:
		pool.medium.Put(&buf)
	case largeBufferSize:
		pool.large.Put(&buf)
	}
}
