// Package network wraps the raw non-blocking IPv4 stream sockets used by
// the reactor. Every call returns immediately; a call that would have
// blocked reports ErrWouldBlock.
package network

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means the socket is not ready; retry on the next readiness event.
	ErrWouldBlock = errors.New("operation would block")
	// ErrDialFailure means an outbound connection was refused before it could start.
	ErrDialFailure = errors.New("dial failure")
)

// Listen opens a non-blocking listening socket bound to host:port.
func Listen(host string, port int, backlog int) (int, error) {
	sa, err := sockaddr(host, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind %s:%d: %w", host, port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to listen %s:%d: %w", host, port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// Accept takes one pending connection from a listening socket.
func Accept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		if isTemporary(err) || errors.Is(err, unix.ECONNABORTED) {
			return -1, ErrWouldBlock
		}
		return -1, err
	}

	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, err
	}

	return nfd, nil
}

// Dial starts a non-blocking connect. A connection still in progress counts
// as success: its outcome shows up later as writability or an error event.
func Dial(host string, port int) (int, error) {
	sa, err := sockaddr(host, port)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrDialFailure, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrDialFailure, err)
	}

	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: %v", ErrDialFailure, err)
	}

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: connect %s:%d: %v", ErrDialFailure, host, port, err)
	}

	return fd, nil
}

// Read reads into p. A closed peer is reported as io.EOF.
func Read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if isTemporary(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}

	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}

	return n, nil
}

// Write writes as much of p as the socket accepts.
func Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if isTemporary(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}

	return n, nil
}

// Close closes the descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

// LocalAddr returns the address a socket is bound to.
func LocalAddr(fd int) (string, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, err
	}

	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(addr.Addr).String(), addr.Port, nil
	default:
		return "", 0, fmt.Errorf("unsupported socket address(%T)", sa)
	}
}

func sockaddr(host string, port int) (*unix.SockaddrInet4, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port(%d)", port)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return nil, fmt.Errorf("invalid ipv4 address(%s)", host)
	}

	return &unix.SockaddrInet4{Port: port, Addr: ip.As4()}, nil
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
