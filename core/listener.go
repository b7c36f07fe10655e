package core

import (
	"errors"
	"fmt"

	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/connection"
	"github.com/go-zoox/onion/network"
	"github.com/go-zoox/onion/reactor"
	"github.com/go-zoox/onion/registry"
)

// Listener accepts connections and hands each one to its accept function.
type Listener struct {
	*connection.Conn

	name   string
	accept func(fd int)
}

type ListenConfig struct {
	Host    string
	Port    int
	Backlog int
}

func listen(name string, cfg *ListenConfig, accept func(fd int)) (*Listener, error) {
	host := DefaultHost
	backlog := DefaultBacklog
	if cfg.Host != "" {
		host = cfg.Host
	}
	if cfg.Backlog != 0 {
		backlog = cfg.Backlog
	}

	fd, err := network.Listen(host, cfg.Port, backlog)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		Conn:   connection.NewListening(fd),
		name:   name,
		accept: accept,
	}

	if host, port, err := l.Addr(); err == nil {
		logger.Infof("[%s] listen at %s:%d", name, host, port)
	}

	return l, nil
}

func (l *Listener) Kind() reactor.Kind {
	return reactor.KindListener
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() (string, int, error) {
	return network.LocalAddr(l.Fd())
}

// OnReadable accepts until the backlog is empty.
func (l *Listener) OnReadable() error {
	for {
		fd, err := network.Accept(l.Fd())
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) {
				logger.Warnf("[%s] failed to accept: %v", l.name, err)
			}
			return nil
		}

		l.accept(fd)
	}
}

type RelayConfig struct {
	ListenConfig
	// Key is this node's obfuscation key.
	Key           uint8
	MaxBufferSize int
}

// NewRelayListener accepts upstream hops and serves SOCKS5 on each of them.
func NewRelayListener(r *reactor.Reactor, cfg *RelayConfig) (*Listener, error) {
	return listen("relay", &cfg.ListenConfig, func(fd int) {
		server := NewServer(r, fd, cfg.Key, cfg.MaxBufferSize)
		r.Add(server)
		logger.Debugf("[socks5][server][fd: %d] accepted", fd)
	})
}

// NodeSource provides the relays a path is chosen from.
type NodeSource interface {
	Nodes() []registry.Node
}

type EntryConfig struct {
	ListenConfig
	PathLength    int
	MaxBufferSize int
	//
	Registry   NodeSource
	Selector   *circuit.Selector
	Statistics *Statistics
}

// NewEntryListener accepts clients and builds a circuit for each one. A
// client is closed without a reply when no path can be chosen or the first
// hop cannot be dialed.
func NewEntryListener(r *reactor.Reactor, cfg *EntryConfig) (*Listener, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("entry requires a registry")
	}

	selector := cfg.Selector
	statistics := cfg.Statistics
	length := DefaultPathLength
	if selector == nil {
		selector = circuit.NewSelector(nil)
	}
	if statistics == nil {
		statistics = NewStatistics()
	}
	if cfg.PathLength != 0 {
		length = cfg.PathLength
	}

	return listen("entry", &cfg.ListenConfig, func(fd int) {
		path, err := selector.Choose(cfg.Registry.Nodes(), length)
		if err != nil {
			logger.Warnf("[entry][fd: %d] reject client: %v", fd, err)
			statistics.Reject()
			network.Close(fd)
			return
		}

		client := connection.New(fd, cfg.MaxBufferSize, 0)
		c, err := NewCircuit(client, path, &CircuitConfig{
			MaxBufferSize: cfg.MaxBufferSize,
			Statistics:    statistics,
		})
		if err != nil {
			logger.Warnf("[entry][fd: %d] reject client: %v", fd, err)
			statistics.Reject()
			network.Close(fd)
			return
		}

		r.Add(c.Client())
		r.Add(c)
	})
}
