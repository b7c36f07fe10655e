package core

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ginuerzh/gosocks5"

	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/protocol/socks5"
	"github.com/go-zoox/onion/reactor"
	"github.com/go-zoox/onion/registry"
)

func echoServer(t *testing.T) (int, func() []byte) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var mu sync.Mutex
	var received []byte
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						mu.Lock()
						received = append(received, buf[:n]...)
						mu.Unlock()
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().(*net.TCPAddr).Port, func() []byte {
		mu.Lock()
		defer mu.Unlock()
		return append([]byte{}, received...)
	}
}

type testbed struct {
	reactor    *reactor.Reactor
	registry   *registry.Registry
	statistics *Statistics
	entry      int
	done       chan error
}

func start(t *testing.T, keys []uint8, length int) *testbed {
	r := reactor.New(&reactor.Config{Timeout: 20})
	reg := registry.New()

	for i, key := range keys {
		l, err := NewRelayListener(r, &RelayConfig{
			ListenConfig: ListenConfig{Host: "127.0.0.1"},
			Key:          key,
		})
		if err != nil {
			t.Fatalf("failed to listen relay: %v", err)
		}

		host, port, err := l.Addr()
		if err != nil {
			t.Fatalf("failed to get relay addr: %v", err)
		}

		r.Add(l)
		reg.Register(registry.Node{Name: "relay-" + strconv.Itoa(i), Address: host, Port: port, Key: key})
	}

	n := serveEntry(t, r, reg, length)

	go func() {
		n.done <- r.Run()
	}()

	t.Cleanup(func() {
		r.Shutdown()
		select {
		case <-n.done:
		case <-time.After(5 * time.Second):
			t.Errorf("timeout waiting for reactor shutdown")
		}
	})

	return n
}

// serveEntry adds an entry listener over reg to r without running r.
func serveEntry(t *testing.T, r *reactor.Reactor, reg *registry.Registry, length int) *testbed {
	statistics := NewStatistics()
	entry, err := NewEntryListener(r, &EntryConfig{
		ListenConfig: ListenConfig{Host: "127.0.0.1"},
		PathLength:   length,
		Registry:     reg,
		Selector:     circuit.NewSelector(&circuit.SelectorConfig{Seed: 42}),
		Statistics:   statistics,
	})
	if err != nil {
		t.Fatalf("failed to listen entry: %v", err)
	}
	r.Add(entry)

	_, port, _ := entry.Addr()
	return &testbed{
		reactor:    r,
		registry:   reg,
		statistics: statistics,
		entry:      port,
		done:       make(chan error, 1),
	}
}

// dialSocks5 negotiates CONNECT through the entry, offering no-auth unless
// methods are given.
func dialSocks5(t *testing.T, entry int, dstPort int, methods ...uint8) net.Conn {
	if len(methods) == 0 {
		methods = []uint8{gosocks5.MethodNoAuth}
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(entry)))
	if err != nil {
		t.Fatalf("failed to dial entry: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greeting := append([]byte{gosocks5.Ver5, uint8(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		t.Fatalf("failed to write greeting: %v", err)
	}

	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("failed to read method selection: %v", err)
	}

	if method[0] != gosocks5.Ver5 || method[1] != gosocks5.MethodNoAuth {
		t.Fatalf("method selection not match, expect %v, but got %v", []byte{gosocks5.Ver5, gosocks5.MethodNoAuth}, method)
	}

	request := gosocks5.NewRequest(gosocks5.CmdConnect, &gosocks5.Addr{
		Type: gosocks5.AddrIPv4,
		Host: "127.0.0.1",
		Port: uint16(dstPort),
	})
	if err := request.Write(conn); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	reply, err := gosocks5.ReadReply(conn)
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}

	if reply.Rep != gosocks5.Succeeded {
		t.Fatalf("reply not match, expect %d, but got %d", gosocks5.Succeeded, reply.Rep)
	}

	return conn
}

func TestEndToEnd(t *testing.T) {
	dstPort, received := echoServer(t)
	n := start(t, []uint8{0x11, 0x22, 0x33}, 3)

	conn := dialSocks5(t, n.entry, dstPort)
	defer conn.Close()

	payload := bytes.Repeat([]byte("hello onion "), 4096)
	go conn.Write(payload)

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}

	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echo not match, expect %d bytes verbatim", len(payload))
	}

	if !bytes.Equal(received(), payload) {
		t.Fatalf("destination data not match, expect %d bytes, but got %d", len(payload), len(received()))
	}

	snapshot := n.statistics.Snapshot()
	if snapshot.Total != 1 {
		t.Fatalf("total circuits not match, expect 1, but got %d", snapshot.Total)
	}
}

func TestEndToEndGreetingWithPrivateMethod(t *testing.T) {
	dstPort, _ := echoServer(t)
	n := start(t, []uint8{0x11, 0x22, 0x33}, 3)

	conn := dialSocks5(t, n.entry, dstPort, socks5.MethodNoAuth, socks5.MethodProbe)
	defer conn.Close()

	conn.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}

	if string(buf) != "hello" {
		t.Fatalf("echo not match, expect %s, but got %s", "hello", buf)
	}
}

func TestEndToEndSingleHop(t *testing.T) {
	dstPort, _ := echoServer(t)
	n := start(t, []uint8{0x5a}, 1)

	conn := dialSocks5(t, n.entry, dstPort)
	defer conn.Close()

	conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}

	if string(buf) != "ping" {
		t.Fatalf("echo not match, expect %s, but got %s", "ping", buf)
	}
}

func TestEndToEndRepeatedNode(t *testing.T) {
	dstPort, _ := echoServer(t)
	n := start(t, []uint8{0x99}, 3)

	conn := dialSocks5(t, n.entry, dstPort)
	defer conn.Close()

	conn.Write([]byte("loop"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}

	if string(buf) != "loop" {
		t.Fatalf("echo not match, expect %s, but got %s", "loop", buf)
	}
}

func TestEmptyRegistry(t *testing.T) {
	n := start(t, nil, 3)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(n.entry)))
	if err != nil {
		t.Fatalf("failed to dial entry: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 16)
	count, err := conn.Read(buf)
	if count != 0 {
		t.Fatalf("expect no response bytes, but got %v", buf[:count])
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("expect client closed, but read timed out")
	}

	if n.statistics.Snapshot().Rejected != 1 {
		t.Fatalf("rejected not match, expect 1, but got %d", n.statistics.Snapshot().Rejected)
	}
}

func TestDestinationRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	closed := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	n := start(t, []uint8{0x01, 0x02}, 2)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(n.entry)))
	if err != nil {
		t.Fatalf("failed to dial entry: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{gosocks5.Ver5, 0x01, gosocks5.MethodNoAuth})
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("failed to read method selection: %v", err)
	}

	gosocks5.NewRequest(gosocks5.CmdConnect, &gosocks5.Addr{
		Type: gosocks5.AddrIPv4,
		Host: "127.0.0.1",
		Port: uint16(closed),
	}).Write(conn)

	// the refusal is reported either as a failure reply or as a close
	// right after an optimistic success reply
	reply, err := gosocks5.ReadReply(conn)
	if err == nil && reply.Rep == gosocks5.Succeeded {
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatalf("expect connection closed after refused destination")
		}
	}
}
