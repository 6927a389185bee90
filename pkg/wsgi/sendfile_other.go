//go:build !linux

package wsgi

const sendfileSupported = false

// SendFile is unavailable on this platform and always reports done.
func (s *SendFileInfo) SendFile(outFd int) (done bool, offset int64) {
	s.Done = true
	return true, s.Offset
}
