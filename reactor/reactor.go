// Package reactor multiplexes non-blocking sockets on a single goroutine
// with poll(2).
package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-zoox/logger"
	"golang.org/x/sys/unix"

	"github.com/go-zoox/onion/network"
)

// DefaultTimeout is the poll timeout in milliseconds.
const DefaultTimeout = 1000

// ErrDisconnected is returned by a handler whose peer went away.
var ErrDisconnected = errors.New("disconnected")

type Config struct {
	// Timeout is the poll timeout in milliseconds.
	Timeout int
}

// Reactor owns a table of handles keyed by descriptor. Only the goroutine
// running Run may touch the table; Shutdown is safe from any goroutine.
type Reactor struct {
	timeout  int
	handles  map[int]Handle
	shutdown atomic.Bool
}

func New(cfg *Config) *Reactor {
	timeout := DefaultTimeout
	if cfg != nil && cfg.Timeout != 0 {
		timeout = cfg.Timeout
	}

	return &Reactor{
		timeout: timeout,
		handles: map[int]Handle{},
	}
}

// Add registers h. A descriptor already in the table is replaced.
func (r *Reactor) Add(h Handle) {
	if old, ok := r.handles[h.Fd()]; ok && old != h {
		logger.Warnf("[reactor] fd %d registered twice (%s, %s)", h.Fd(), old.Kind(), h.Kind())
	}

	r.handles[h.Fd()] = h
}

// Len returns the number of registered handles.
func (r *Reactor) Len() int {
	return len(r.handles)
}

// Shutdown asks the reactor to drain every handle and stop.
func (r *Reactor) Shutdown() {
	r.shutdown.Store(true)
}

func (r *Reactor) IsShuttingDown() bool {
	return r.shutdown.Load()
}

// Run ticks until the table is empty.
func (r *Reactor) Run() error {
	logger.Infof("[reactor] start with %d handles", len(r.handles))

	for len(r.handles) > 0 {
		if err := r.Tick(); err != nil {
			return err
		}
	}

	logger.Infof("[reactor] stopped")
	return nil
}

// Tick runs one iteration: drain on shutdown, reap, poll, dispatch.
func (r *Reactor) Tick() error {
	if r.shutdown.Load() {
		for _, h := range r.handles {
			h.Drain()
		}
	}

	r.reap()
	if len(r.handles) == 0 {
		return nil
	}

	fds := make([]unix.PollFd, 0, len(r.handles))
	for fd, h := range r.handles {
		fds = append(fds, unix.PollFd{
			Fd:     int32(fd),
			Events: h.Events(),
		})
	}

	n, err := unix.Poll(fds, r.timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("failed to poll: %w", err)
	}

	if n == 0 {
		return nil
	}

	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}

		r.dispatch(int(pfd.Fd), pfd.Revents)
	}

	return nil
}

func (r *Reactor) reap() {
	for fd, h := range r.handles {
		if !h.Reapable() {
			continue
		}

		delete(r.handles, fd)
		if err := h.Close(); err != nil {
			logger.Debugf("[reactor][fd: %d] failed to close %s: %v", fd, h.Kind(), err)
		}
	}
}

func (r *Reactor) dispatch(fd int, revents int16) {
	h, ok := r.handles[fd]
	if !ok {
		logger.Warnf("[reactor][fd: %d] ready but not registered", fd)
		return
	}

	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("[reactor][fd: %d] %s panic: %v", fd, h.Kind(), v)
			h.MarkClosing()
		}
	}()

	if revents&(EventError|EventInvalid) != 0 || (revents&EventHangup != 0 && revents&EventRead == 0) {
		logger.Debugf("[reactor][fd: %d] %s error event(%#x)", fd, h.Kind(), revents)
		h.MarkClosing()
		return
	}

	if revents&EventRead != 0 {
		if !r.handle(fd, h, "read", h.OnReadable()) {
			return
		}
	}

	if revents&EventWrite != 0 {
		r.handle(fd, h, "write", h.OnWritable())
	}
}

// handle applies the error policy and reports whether dispatch may continue.
func (r *Reactor) handle(fd int, h Handle, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, network.ErrWouldBlock):
		return true
	case errors.Is(err, ErrDisconnected):
		logger.Debugf("[reactor][fd: %d] %s disconnected", fd, h.Kind())
	default:
		logger.Errorf("[reactor][fd: %d] %s failed to %s: %v", fd, h.Kind(), op, err)
	}

	h.MarkClosing()
	return false
}
