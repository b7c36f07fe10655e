package connection

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/network"
	"github.com/go-zoox/onion/protocol/obfuscate"
	"github.com/go-zoox/onion/reactor"
)

// DefaultMaxBufferSize caps the bytes queued toward a socket.
const DefaultMaxBufferSize = 16 * 1024

// ErrDisconnected means the peer closed its side of the socket.
var ErrDisconnected = reactor.ErrDisconnected

type State int

const (
	StateActive State = iota
	StateListening
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is a non-blocking socket with an outbound buffer. Bridged conns are
// partners: each one reads from its socket into the other's buffer.
//
// Every byte read is XORed with the mask before use and every byte written
// is XORed with the mask on the way out, so the buffer always holds clear
// bytes.
type Conn struct {
	fd            int
	state         State
	buffer        []byte
	maxBufferSize int
	partner       *Conn
	mask          byte
	scratch       []byte
}

// New wraps an active socket.
func New(fd int, maxBufferSize int, mask byte) *Conn {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}

	return &Conn{
		fd:            fd,
		state:         StateActive,
		maxBufferSize: maxBufferSize,
		mask:          mask,
	}
}

// NewListening wraps a listening socket.
func NewListening(fd int) *Conn {
	c := New(fd, 0, 0)
	c.state = StateListening
	return c
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) Kind() reactor.Kind {
	return reactor.KindPlainBridge
}

func (c *Conn) State() State {
	return c.state
}

func (c *Conn) IsClosing() bool {
	return c.state == StateClosing
}

func (c *Conn) Mask() byte {
	return c.mask
}

func (c *Conn) SetMask(mask byte) {
	c.mask = mask
}

func (c *Conn) MaxBufferSize() int {
	return c.maxBufferSize
}

// Buffered returns the number of bytes waiting to be written.
func (c *Conn) Buffered() int {
	return len(c.buffer)
}

// Partner returns the bridged conn, or nil.
func (c *Conn) Partner() *Conn {
	return c.partner
}

// Bridge makes c and other partners.
func (c *Conn) Bridge(other *Conn) error {
	if other == nil || other == c {
		return fmt.Errorf("invalid partner for fd %d", c.fd)
	}

	c.partner = other
	other.partner = c
	return nil
}

// Queue appends clear bytes to the outbound buffer.
func (c *Conn) Queue(b []byte) {
	c.buffer = append(c.buffer, b...)
}

func (c *Conn) Events() int16 {
	events := int16(reactor.EventError)

	switch c.state {
	case StateListening:
		events |= reactor.EventRead
	case StateActive:
		if p := c.partner; p != nil && !p.IsClosing() && len(p.buffer) < p.maxBufferSize {
			events |= reactor.EventRead
		}
	}

	if len(c.buffer) > 0 {
		events |= reactor.EventWrite
	}

	return events
}

// Recv reads from the socket into p and removes the mask.
func (c *Conn) Recv(p []byte) (int, error) {
	n, err := network.Read(c.fd, p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrDisconnected
		}
		return 0, err
	}

	obfuscate.TransformInPlace(p[:n], c.mask)
	return n, nil
}

// Pipe moves bytes from the socket into the partner's buffer without
// exceeding the partner's cap.
func (c *Conn) Pipe() (int, error) {
	p := c.partner
	if p == nil {
		return 0, nil
	}

	room := p.maxBufferSize - len(p.buffer)
	if room <= 0 {
		return 0, nil
	}

	if len(c.scratch) < room {
		c.scratch = make([]byte, room)
	}

	n, err := c.Recv(c.scratch[:room])
	if n > 0 {
		p.buffer = append(p.buffer, c.scratch[:n]...)
	}

	return n, err
}

// Flush writes as much of the buffer as the socket accepts and keeps the
// remainder.
func (c *Conn) Flush() (int, error) {
	if len(c.buffer) == 0 {
		return 0, nil
	}

	data := c.buffer
	if c.mask != 0 {
		data = obfuscate.Transform(c.buffer, c.mask)
	}

	n, err := network.Write(c.fd, data)
	if n > 0 {
		c.buffer = c.buffer[n:]
		if len(c.buffer) == 0 {
			c.buffer = nil
		}
	}

	return n, err
}

func (c *Conn) OnReadable() error {
	_, err := c.Pipe()
	return err
}

func (c *Conn) OnWritable() error {
	_, err := c.Flush()
	return err
}

// MarkClosing drops pending output. A partner with nothing left to write
// closes with it; otherwise the partner drains first.
func (c *Conn) MarkClosing() {
	c.state = StateClosing
	c.buffer = nil

	if p := c.partner; p != nil && !p.Reapable() {
		if len(p.buffer) == 0 {
			p.MarkClosing()
		} else {
			p.Drain()
		}
	}
}

// Drain closes once the buffer is written.
func (c *Conn) Drain() {
	c.state = StateClosing
}

func (c *Conn) Reapable() bool {
	return c.state == StateClosing && len(c.buffer) == 0
}

// Close releases the descriptor. An active partner is drained.
func (c *Conn) Close() error {
	if p := c.partner; p != nil && p.state == StateActive {
		p.Drain()
	}

	logger.Debugf("[connection][fd: %d] close", c.fd)
	return network.Close(c.fd)
}
