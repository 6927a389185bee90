//go:build linux

package http

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/ferment/internal/logger"
	"golang.org/x/sys/unix"
)

// listenFdsStart is the first descriptor passed by a socket-activating
// service manager.
const listenFdsStart = 3

// listener is a non-blocking listening socket.
type listener struct {
	fd       int
	unixPath string

	// serverName and serverPort feed SERVER_NAME and SERVER_PORT.
	serverName string
	serverPort string
	port       int
}

// listen opens the listening socket described by address:
// "host:port" for TCP, a path for a Unix socket, or "" for an inherited
// socket-activated listener.
func listen(address string) (*listener, error) {
	switch {
	case address == "":
		return inheritListener()
	case isTCPAddress(address):
		return listenTCP(address)
	default:
		return listenUnix(address)
	}
}

func isTCPAddress(address string) bool {
	if strings.ContainsRune(address, '/') {
		return false
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

func listenTCP(address string) (*listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	var (
		domain int
		sa     unix.Sockaddr
	)
	if ip4 := addr.IP.To4(); addr.IP == nil || ip4 != nil {
		domain = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	l := &listener{fd: fd}
	if err := l.describe(); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func listenUnix(path string) (*listener, error) {
	// A socket left behind by a previous run would make bind fail.
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return &listener{
		fd:         fd,
		unixPath:   path,
		serverName: "localhost",
	}, nil
}

// inheritListener picks up the listening socket passed through LISTEN_FDS.
// TCP sockets are preferred over Unix sockets.
func inheritListener() (*listener, error) {
	pid, err := strconv.Atoi(os.Getenv("LISTEN_PID"))
	if err != nil || pid != os.Getpid() {
		return nil, errors.New("no address configured and no socket activation for this process")
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || n < 1 {
		return nil, errors.New("socket activation: LISTEN_FDS is not set")
	}

	var unixFd = -1
	for fd := listenFdsStart; fd < listenFdsStart+n; fd++ {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			logger.Debug("Skipping inherited fd %d: %v", fd, err)
			continue
		}
		switch sa.(type) {
		case *unix.SockaddrInet4, *unix.SockaddrInet6:
			return adoptListener(fd)
		case *unix.SockaddrUnix:
			if unixFd < 0 {
				unixFd = fd
			}
		}
	}
	if unixFd >= 0 {
		return adoptListener(unixFd)
	}
	return nil, fmt.Errorf("socket activation: none of %d inherited fds is a stream socket", n)
}

func adoptListener(fd int) (*listener, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on inherited fd %d: %w", fd, err)
	}
	unix.CloseOnExec(fd)

	l := &listener{fd: fd}
	if err := l.describe(); err != nil {
		return nil, err
	}
	logger.Info("Using socket-activated listener on fd %d", fd)
	return l, nil
}

// describe fills in the server name and port from the bound address.
func (l *listener) describe() error {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		l.serverName = net.IP(a.Addr[:]).String()
		l.port = a.Port
	case *unix.SockaddrInet6:
		l.serverName = net.IP(a.Addr[:]).String()
		l.port = a.Port
	case *unix.SockaddrUnix:
		l.serverName = "localhost"
		return nil
	default:
		return fmt.Errorf("unsupported listener address %T", sa)
	}
	l.serverPort = strconv.Itoa(l.port)
	return nil
}

// addr returns a printable form of the listening address.
func (l *listener) addr() string {
	if l.serverPort == "" {
		if l.unixPath != "" {
			return "unix:" + l.unixPath
		}
		return "unix:" + l.serverName
	}
	return net.JoinHostPort(l.serverName, l.serverPort)
}

func (l *listener) close() error {
	err := unix.Close(l.fd)
	if l.unixPath != "" {
		if rmErr := os.Remove(l.unixPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

// remoteAddr formats a peer address for REMOTE_ADDR.
func remoteAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}
