package wsgi

import (
	"errors"
	"io"
)

// DefaultBlocksize is the chunk size used when a FileWrapper is created
// with a non-positive blocksize and no send-file support.
const DefaultBlocksize = 64 << 10

// FileWrapper streams a reader as a response body.
//
// When the reader is backed by a file descriptor (an *os.File, or anything
// with an Fd method) the server sends it with sendfile(2), starting at the
// beginning of the file, and never copies the data through user space.
// Otherwise the reader is read blocksize bytes at a time.
type FileWrapper struct {
	r         io.Reader
	blocksize int
	sendfile  *SendFileInfo
	buf       []byte
	eof       bool
}

type fder interface {
	Fd() uintptr
}

// NewFileWrapper wraps r. blocksize bounds both the read chunk and a
// single sendfile call; a negative value lets the kernel send as much as
// it can per call.
func NewFileWrapper(r io.Reader, blocksize int) *FileWrapper {
	fw := &FileWrapper{r: r, blocksize: blocksize}

	if f, ok := r.(fder); ok {
		fd := int(f.Fd())
		if fd >= 0 && sendfileSupported {
			fw.sendfile = NewSendFileInfo(fd, 0, blocksize)
		}
	}
	return fw
}

// SendFile returns the send-file state, or nil if the wrapped reader has
// no usable file descriptor.
func (fw *FileWrapper) SendFile() *SendFileInfo {
	return fw.sendfile
}

// Next reads the next chunk from the wrapped reader. The server only uses
// it when the body cannot be sent with sendfile, e.g. for chunked
// responses.
func (fw *FileWrapper) Next() ([]byte, error) {
	if fw.eof {
		return nil, io.EOF
	}

	size := fw.blocksize
	if size <= 0 {
		size = DefaultBlocksize
	}
	if cap(fw.buf) < size {
		fw.buf = make([]byte, size)
	}

	n, err := io.ReadFull(fw.r, fw.buf[:size])
	switch {
	case errors.Is(err, io.EOF):
		fw.eof = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		fw.eof = true
		return fw.buf[:n], nil
	case err != nil:
		return nil, err
	}
	return fw.buf[:n], nil
}

// Close closes the wrapped reader if it is an io.Closer.
func (fw *FileWrapper) Close() error {
	if c, ok := fw.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
