package core

import (
	"errors"
	"fmt"

	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/connection"
	"github.com/go-zoox/onion/network"
	"github.com/go-zoox/onion/protocol/socks5"
	"github.com/go-zoox/onion/reactor"
)

type ServerState int

const (
	ServerRecvGreeting ServerState = iota
	ServerSendGreeting
	ServerRecvConnectionRequest
	ServerSendConnectionRequest
	ServerBridging
)

func (s ServerState) String() string {
	switch s {
	case ServerRecvGreeting:
		return "recv-greeting"
	case ServerSendGreeting:
		return "send-greeting"
	case ServerRecvConnectionRequest:
		return "recv-connection-request"
	case ServerSendConnectionRequest:
		return "send-connection-request"
	case ServerBridging:
		return "bridging"
	default:
		return "unknown"
	}
}

// Server is the relay side of a hop: it answers one SOCKS5 handshake on a
// socket facing the upstream neighbour, connects to the requested address
// and then relays bytes. Its mask is the node key, so it peels one layer
// off everything it forwards downstream and adds it back upstream.
type Server struct {
	*connection.Conn

	reactor *reactor.Reactor
	state   ServerState
	inbound []byte
	pending int
	lastHop bool
	request *socks5.ConnectionRequest
}

func NewServer(r *reactor.Reactor, fd int, key uint8, maxBufferSize int) *Server {
	return &Server{
		Conn:    connection.New(fd, maxBufferSize, key),
		reactor: r,
		state:   ServerRecvGreeting,
	}
}

func (s *Server) Kind() reactor.Kind {
	return reactor.KindSocks5Server
}

func (s *Server) HandshakeState() ServerState {
	return s.state
}

// IsLastHop reports whether the upstream greeting came without the probe
// method, i.e. this hop connects to the real destination.
func (s *Server) IsLastHop() bool {
	return s.lastHop
}

func (s *Server) Events() int16 {
	if s.state == ServerBridging {
		return s.Conn.Events()
	}

	reading := s.state == ServerRecvGreeting || s.state == ServerRecvConnectionRequest
	return handshakeEvents(s.Conn, reading, len(s.inbound))
}

func (s *Server) OnReadable() error {
	if s.state == ServerBridging {
		return s.Conn.OnReadable()
	}

	inbound, err := recvInto(s.Conn, s.inbound)
	s.inbound = inbound
	if err != nil {
		return err
	}

	switch s.state {
	case ServerRecvGreeting:
		s.onGreeting()
	case ServerRecvConnectionRequest:
		s.onConnectionRequest()
	}

	return nil
}

func (s *Server) OnWritable() error {
	if s.state == ServerBridging {
		return s.Conn.OnWritable()
	}

	n, err := s.Flush()
	s.pending -= n
	if err != nil || s.pending > 0 {
		return err
	}

	switch s.state {
	case ServerSendGreeting:
		s.state = ServerRecvConnectionRequest
	case ServerSendConnectionRequest:
		s.state = ServerBridging
		if p := s.Partner(); p != nil && len(s.inbound) > 0 {
			p.Queue(s.inbound)
		}
		s.inbound = nil

		logger.Debugf("[socks5][server][fd: %d] bridging to %s (last hop: %v)", s.Fd(), s.request.Address(), s.lastHop)
	}

	return nil
}

func (s *Server) onGreeting() {
	greeting := &socks5.GreetingRequest{}
	n, err := greeting.Decode(s.inbound)
	if errors.Is(err, socks5.ErrIncomplete) {
		return
	}
	if err != nil {
		logger.Warnf("[socks5][server][fd: %d] invalid greeting: %v", s.Fd(), err)
		s.replyGreeting(socks5.MethodNoAcceptable)
		s.Drain()
		return
	}
	s.inbound = s.inbound[n:]

	s.lastHop = !greeting.Has(socks5.MethodProbe)
	greeting.Remove(socks5.MethodProbe)

	method := greeting.Select(socks5.SupportedMethods...)
	s.replyGreeting(method)
	if method == socks5.MethodNoAcceptable {
		logger.Warnf("[socks5][server][fd: %d] no acceptable method in %v", s.Fd(), greeting.Methods)
		s.Drain()
		return
	}

	s.state = ServerSendGreeting
}

func (s *Server) onConnectionRequest() {
	request := &socks5.ConnectionRequest{}
	n, err := request.Decode(s.inbound)
	if errors.Is(err, socks5.ErrIncomplete) {
		return
	}
	if err != nil {
		logger.Warnf("[socks5][server][fd: %d] invalid connection request: %v", s.Fd(), err)
		s.fail(replyCode(err))
		return
	}
	s.inbound = s.inbound[n:]
	s.request = request

	fd, err := network.Dial(request.DSTAddr, int(request.DSTPort))
	if err != nil {
		logger.Warnf("[socks5][server][fd: %d] failed to connect %s: %v", s.Fd(), request.Address(), err)
		s.fail(socks5.ReplyGeneralFailure)
		return
	}

	target := connection.New(fd, s.MaxBufferSize(), 0)
	s.reactor.Add(target)
	if err := s.Bridge(target); err != nil {
		target.MarkClosing()
		s.fail(socks5.ReplyGeneralFailure)
		return
	}

	logger.Debugf("[socks5][server][fd: %d] connect %s (fd: %d)", s.Fd(), request.Address(), fd)

	s.reply(&socks5.ConnectionResponse{
		Version: socks5.VER,
		Reply:   socks5.ReplySucceeded,
		ATyp:    socks5.ATypIPv4,
		BNDAddr: request.DSTAddr,
		BNDPort: request.DSTPort,
	})
	s.state = ServerSendConnectionRequest
}

func (s *Server) replyGreeting(method uint8) {
	s.reply(&socks5.GreetingResponse{
		Version: socks5.VER,
		Method:  method,
	})
}

// fail queues a failure reply and closes once it is written.
func (s *Server) fail(code uint8) {
	s.reply(&socks5.ConnectionResponse{
		Version: socks5.VER,
		Reply:   code,
		ATyp:    socks5.ATypIPv4,
		BNDAddr: unspecified,
	})
	s.Drain()
}

func (s *Server) reply(message socks5.Message) {
	bytes, err := message.Encode()
	if err != nil {
		logger.Errorf("[socks5][server][fd: %d] failed to encode reply: %v", s.Fd(), err)
		s.MarkClosing()
		return
	}

	s.Queue(bytes)
	s.pending += len(bytes)
}

func replyCode(err error) uint8 {
	switch {
	case errors.Is(err, socks5.ErrCommandNotSupported):
		return socks5.ReplyCommandNotSupported
	case errors.Is(err, socks5.ErrAddressTypeNotSupported):
		return socks5.ReplyAddressTypeNotSupported
	default:
		return socks5.ReplyGeneralFailure
	}
}

// handshakeEvents is the readiness of a conn still negotiating.
func handshakeEvents(c *connection.Conn, reading bool, inbound int) int16 {
	events := int16(reactor.EventError)
	if reading && c.State() == connection.StateActive && inbound < c.MaxBufferSize() {
		events |= reactor.EventRead
	}
	if c.Buffered() > 0 {
		events |= reactor.EventWrite
	}
	return events
}

// recvInto reads once from c and appends to inbound.
func recvInto(c *connection.Conn, inbound []byte) ([]byte, error) {
	room := c.MaxBufferSize() - len(inbound)
	if room <= 0 {
		return inbound, fmt.Errorf("handshake buffer full (%d bytes)", len(inbound))
	}

	buf := make([]byte, room)
	n, err := c.Recv(buf)
	return append(inbound, buf[:n]...), err
}
