package core

import (
	"errors"
	"fmt"

	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/connection"
	"github.com/go-zoox/onion/network"
	"github.com/go-zoox/onion/protocol/obfuscate"
	"github.com/go-zoox/onion/protocol/socks5"
	"github.com/go-zoox/onion/reactor"
)

type CircuitState int

const (
	CircuitSendGreeting CircuitState = iota
	CircuitRecvGreeting
	CircuitSendConnectionRequest
	CircuitRecvConnectionRequest
	CircuitBridging
)

func (s CircuitState) String() string {
	switch s {
	case CircuitSendGreeting:
		return "send-greeting"
	case CircuitRecvGreeting:
		return "recv-greeting"
	case CircuitSendConnectionRequest:
		return "send-connection-request"
	case CircuitRecvConnectionRequest:
		return "recv-connection-request"
	case CircuitBridging:
		return "bridging"
	default:
		return "unknown"
	}
}

type CircuitConfig struct {
	MaxBufferSize int
	Statistics    *Statistics
}

// Circuit is the entry side of a tunnel. It dials the first hop and asks
// each reachable hop in turn to connect to the next one, wrapping one more
// key around the stream after every hop. Once the last hop is reachable it
// bridges with the client, whose own SOCKS5 handshake then travels to the
// last hop.
type Circuit struct {
	*connection.Conn

	ID string

	client     *Client
	path       circuit.Path
	negotiated int
	state      CircuitState
	inbound    []byte
	pending    int

	stats      *CircuitStatistics
	statistics *Statistics
}

// Client is the user side of a circuit. Until the circuit is bridged it has
// no partner, so closing it aborts the circuit directly.
type Client struct {
	*connection.Conn

	circuit *Circuit
}

func (c *Client) MarkClosing() {
	c.Conn.MarkClosing()

	if cc := c.circuit; cc != nil && cc.state != CircuitBridging && !cc.IsClosing() {
		logger.Debugf("[circuit: %s] client gone before bridging", cc.ID)
		cc.MarkClosing()
	}
}

// NewCircuit dials the first hop of path. The client conn stays idle until
// the circuit is bridged; add both Client() and the circuit to the reactor.
func NewCircuit(client *connection.Conn, path circuit.Path, cfg *CircuitConfig) (*Circuit, error) {
	if len(path) == 0 {
		return nil, circuit.ErrInsufficientNodes
	}

	statistics := cfg.Statistics
	if statistics == nil {
		statistics = NewStatistics()
	}

	first := path[0]
	fd, err := network.Dial(first.Address, first.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to dial first hop %s: %w", first.ID(), err)
	}

	id := connection.GenerateID()
	c := &Circuit{
		Conn:       connection.New(fd, cfg.MaxBufferSize, obfuscate.Compose(first.Key)),
		ID:         id,
		path:       path,
		negotiated: 1,
		statistics: statistics,
		stats:      statistics.Open(id, path),
	}
	c.client = &Client{Conn: client, circuit: c}

	logger.Infof("[circuit: %s] build %s", c.ID, path.String())

	if len(path) == 1 {
		c.bridge()
	} else {
		c.sendGreeting()
	}

	return c, nil
}

func (c *Circuit) Kind() reactor.Kind {
	return reactor.KindSocks5Client
}

func (c *Circuit) HandshakeState() CircuitState {
	return c.state
}

func (c *Circuit) Client() *Client {
	return c.client
}

func (c *Circuit) Path() circuit.Path {
	return c.path
}

// Negotiated returns the number of hops reachable through the circuit.
func (c *Circuit) Negotiated() int {
	return c.negotiated
}

func (c *Circuit) Events() int16 {
	if c.state == CircuitBridging {
		return c.Conn.Events()
	}

	reading := c.state == CircuitRecvGreeting || c.state == CircuitRecvConnectionRequest
	return handshakeEvents(c.Conn, reading, len(c.inbound))
}

func (c *Circuit) OnReadable() error {
	if c.state == CircuitBridging {
		n, err := c.Pipe()
		c.stats.FromTunnel.Add(int64(n))
		return err
	}

	inbound, err := recvInto(c.Conn, c.inbound)
	c.inbound = inbound
	if err != nil {
		return err
	}

	switch c.state {
	case CircuitRecvGreeting:
		c.onGreetingResponse()
	case CircuitRecvConnectionRequest:
		c.onConnectionResponse()
	}

	return nil
}

func (c *Circuit) OnWritable() error {
	if c.state == CircuitBridging {
		n, err := c.Flush()
		c.stats.ToTunnel.Add(int64(n))
		return err
	}

	n, err := c.Flush()
	c.pending -= n
	if err != nil || c.pending > 0 {
		return err
	}

	switch c.state {
	case CircuitSendGreeting:
		c.state = CircuitRecvGreeting
	case CircuitSendConnectionRequest:
		c.state = CircuitRecvConnectionRequest
	}

	return nil
}

// MarkClosing also closes the client while the circuit is still being built.
func (c *Circuit) MarkClosing() {
	c.Conn.MarkClosing()

	if c.state != CircuitBridging && !c.client.IsClosing() {
		c.client.MarkClosing()
	}
}

func (c *Circuit) Close() error {
	c.statistics.Close(c.ID)

	logger.Infof(
		"[circuit: %s] closed (to tunnel: %d, from tunnel: %d)",
		c.ID,
		c.stats.ToTunnel.Load(),
		c.stats.FromTunnel.Load(),
	)
	return c.Conn.Close()
}

func (c *Circuit) sendGreeting() {
	methods := []uint8{socks5.MethodNoAuth}
	if c.negotiated < len(c.path) {
		methods = append(methods, socks5.MethodProbe)
	}

	c.send(&socks5.GreetingRequest{
		Version: socks5.VER,
		Methods: methods,
	})
	c.state = CircuitSendGreeting
}

func (c *Circuit) onGreetingResponse() {
	response := &socks5.GreetingResponse{}
	n, err := response.Decode(c.inbound)
	if errors.Is(err, socks5.ErrIncomplete) {
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("invalid greeting response: %v", err))
		return
	}
	c.inbound = c.inbound[n:]

	if response.Method != socks5.MethodNoAuth {
		c.fail(fmt.Errorf("method %#x rejected", response.Method))
		return
	}

	next := c.path[c.negotiated]
	c.send(&socks5.ConnectionRequest{
		Version: socks5.VER,
		Command: socks5.CommandConnect,
		ATyp:    socks5.ATypIPv4,
		DSTAddr: next.Address,
		DSTPort: uint16(next.Port),
	})
	c.state = CircuitSendConnectionRequest
}

func (c *Circuit) onConnectionResponse() {
	response := &socks5.ConnectionResponse{}
	n, err := response.Decode(c.inbound)
	if errors.Is(err, socks5.ErrIncomplete) {
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("invalid connection response: %v", err))
		return
	}
	c.inbound = c.inbound[n:]

	if response.Reply != socks5.ReplySucceeded {
		c.fail(fmt.Errorf("hop %d refused to connect %s (reply: %#x)", c.negotiated, c.path[c.negotiated].ID(), response.Reply))
		return
	}

	if len(c.inbound) != 0 {
		c.fail(fmt.Errorf("unexpected %d bytes after connection response", len(c.inbound)))
		return
	}

	hop := c.path[c.negotiated]
	c.negotiated++
	c.SetMask(obfuscate.Compose(c.path.Keys()[:c.negotiated]...))
	logger.Debugf("[circuit: %s][hop: %d] reachable %s", c.ID, c.negotiated, hop.ID())

	if c.negotiated == len(c.path) {
		c.bridge()
		return
	}

	c.sendGreeting()
}

func (c *Circuit) bridge() {
	if c.client.IsClosing() {
		c.fail(errors.New("client closed before bridging"))
		return
	}

	if err := c.Bridge(c.client.Conn); err != nil {
		c.fail(err)
		return
	}

	c.state = CircuitBridging
	c.inbound = nil
	logger.Infof("[circuit: %s] established through %d hops", c.ID, len(c.path))
}

func (c *Circuit) send(message socks5.Message) {
	bytes, err := message.Encode()
	if err != nil {
		c.fail(fmt.Errorf("failed to encode: %v", err))
		return
	}

	c.Queue(bytes)
	c.pending += len(bytes)
}

func (c *Circuit) fail(err error) {
	logger.Warnf("[circuit: %s][hop: %d] %v", c.ID, c.negotiated, err)
	c.MarkClosing()
}
