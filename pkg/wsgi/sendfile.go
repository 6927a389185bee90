package wsgi

// maxSendfileCount is the most the kernel transfers in one sendfile call.
const maxSendfileCount = 0x7ffff000

// SendFileInfo tracks an in-progress zero-copy transfer of a file to a
// socket. It is owned by the connection sending it.
type SendFileInfo struct {
	Fd     int
	Offset int64

	// ContentLength bounds the transfer; -1 means send until end of file.
	ContentLength int64

	// Blocksize bounds a single call; negative means no bound.
	Blocksize int

	Done bool
}

func NewSendFileInfo(fd int, offset int64, blocksize int) *SendFileInfo {
	return &SendFileInfo{
		Fd:            fd,
		Offset:        offset,
		ContentLength: -1,
		Blocksize:     blocksize,
	}
}

// UpdateContentLength limits the transfer to n bytes from the start of the
// file, shrinking Blocksize if it is larger.
func (s *SendFileInfo) UpdateContentLength(n int64) {
	s.ContentLength = n
	if int64(s.Blocksize) > n {
		s.Blocksize = int(n)
	}
}

// count returns how many bytes the next call should try to send.
func (s *SendFileInfo) count() int {
	count := s.Blocksize
	if count < 0 {
		count = maxSendfileCount
	}
	if s.ContentLength >= 0 {
		remaining := s.ContentLength - s.Offset
		if remaining < int64(count) {
			count = int(max(remaining, 0))
		}
	}
	return count
}
