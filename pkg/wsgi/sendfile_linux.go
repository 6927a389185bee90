//go:build linux

package wsgi

import (
	"errors"

	"github.com/marmos91/ferment/internal/logger"
	"golang.org/x/sys/unix"
)

const sendfileSupported = true

// SendFile transfers the next block to outFd.
//
// Returns whether the transfer is finished and the file offset reached.
// A full socket buffer is not an error: done stays false and the caller
// retries when outFd is writable again. Any other failure is logged and
// ends the transfer.
func (s *SendFileInfo) SendFile(outFd int) (done bool, offset int64) {
	if s.Done {
		return true, s.Offset
	}

	count := s.count()
	if count == 0 {
		s.Done = true
		return true, s.Offset
	}

	off := s.Offset
	n, err := unix.Sendfile(outFd, s.Fd, &off, count)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return false, s.Offset
		}
		logger.Error("sendfile from fd %d failed at offset %d: %v", s.Fd, s.Offset, err)
		s.Done = true
		return true, s.Offset
	}

	s.Offset += int64(n)
	if n == 0 || (s.ContentLength >= 0 && s.Offset >= s.ContentLength) {
		s.Done = true
	}
	return s.Done, s.Offset
}
