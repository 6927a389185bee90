//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a descriptor is registered for.
type Interest uint32

const (
	// None keeps the descriptor registered while reporting only hangups
	// and errors.
	None     Interest = 0
	Readable Interest = unix.EPOLLIN | unix.EPOLLRDHUP
	Writable Interest = unix.EPOLLOUT
)

// Event is the readiness reported for one descriptor.
type Event uint32

func (e Event) Readable() bool { return e&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 }
func (e Event) Writable() bool { return e&unix.EPOLLOUT != 0 }
func (e Event) Hangup() bool   { return e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 }
func (e Event) Error() bool    { return e&unix.EPOLLERR != 0 }

// Closed reports a hangup or error, which epoll delivers whatever the
// registered interest.
func (e Event) Closed() bool { return e&(unix.EPOLLHUP|unix.EPOLLERR) != 0 }

var ErrClosed = errors.New("reactor: poller closed")

// Poller is an epoll instance plus a wakeup eventfd.
type Poller struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent

	// mu keeps Wake from writing to a descriptor Close released.
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Poller that reports at most maxEvents events per Wait.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
		closed: make(chan struct{}),
	}

	if err := p.Add(wakeFd, Readable); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the interest of an already registered fd.
func (p *Poller) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It must be called before fd is closed.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for at most timeout (negative means forever) and calls fn for
// every ready descriptor. woken reports whether Wake was called since the
// previous Wait. An interrupted wait returns no events and no error.
func (p *Poller) Wait(timeout time.Duration, fn func(fd int, ev Event)) (woken bool, err error) {
	select {
	case <-p.closed:
		return false, ErrClosed
	default:
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			p.drainWake()
			woken = true
			continue
		}
		fn(fd, Event(p.events[i].Events))
	}
	return woken, nil
}

// Wake interrupts a concurrent or the next Wait. Safe from any goroutine.
func (p *Poller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors. Registered descriptors
// are not closed.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		close(p.closed)
		err = errors.Join(unix.Close(p.wakeFd), unix.Close(p.epfd))
	})
	return err
}
