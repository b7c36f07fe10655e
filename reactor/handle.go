package reactor

import (
	"golang.org/x/sys/unix"
)

// Readiness flags used in Handle.Events and reported to the handlers.
const (
	EventRead    = unix.POLLIN
	EventWrite   = unix.POLLOUT
	EventError   = unix.POLLERR
	EventHangup  = unix.POLLHUP
	EventInvalid = unix.POLLNVAL
)

// Kind is the closed set of handle variants registered with a reactor.
type Kind int

const (
	KindListener Kind = iota
	KindSocks5Server
	KindSocks5Client
	KindPlainBridge
)

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindSocks5Server:
		return "socks5-server"
	case KindSocks5Client:
		return "socks5-client"
	case KindPlainBridge:
		return "plain-bridge"
	default:
		return "unknown"
	}
}

// Handle is a descriptor owned by the reactor.
type Handle interface {
	Fd() int
	Kind() Kind

	// Events returns the readiness the handle is interested in.
	Events() int16

	OnReadable() error
	OnWritable() error

	// MarkClosing drops pending output and schedules the handle for removal.
	MarkClosing()
	// Drain schedules the handle for removal once its pending output is written.
	Drain()
	// Reapable reports whether the handle may be removed and closed.
	Reapable() bool

	Close() error
}
