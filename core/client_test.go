package core

import (
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-zoox/onion/protocol/obfuscate"
	"github.com/go-zoox/onion/protocol/socks5"
	"github.com/go-zoox/onion/reactor"
	"github.com/go-zoox/onion/registry"
)

const hopKey = 0x10

// scriptedHop accepts one connection and hands it to respond. The connection
// stays open until the test ends so that any close comes from the entry.
func scriptedHop(t *testing.T, respond func(conn net.Conn)) *registry.Registry {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		respond(conn)
		io.Copy(io.Discard, conn)
	}()

	reg := registry.New()
	reg.Register(registry.Node{
		Name:    "scripted",
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Key:     hopKey,
	})
	return reg
}

func hopRead(conn net.Conn, size int) []byte {
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil
	}
	return obfuscate.Transform(buf, hopKey)
}

func hopWrite(conn net.Conn, data []byte) {
	conn.Write(obfuscate.Transform(data, hopKey))
}

func TestCircuitHopFailures(t *testing.T) {
	cases := []struct {
		name    string
		respond func(conn net.Conn)
	}{
		{
			name: "method rejected",
			respond: func(conn net.Conn) {
				hopRead(conn, 4)
				hopWrite(conn, []byte{socks5.VER, socks5.MethodNoAcceptable})
			},
		},
		{
			name: "connection refused",
			respond: func(conn net.Conn) {
				hopRead(conn, 4)
				hopWrite(conn, []byte{socks5.VER, socks5.MethodNoAuth})
				hopRead(conn, 10)
				hopWrite(conn, []byte{socks5.VER, socks5.ReplyGeneralFailure, 0x00, socks5.ATypIPv4, 0, 0, 0, 0, 0, 0})
			},
		},
		{
			name: "malformed greeting response",
			respond: func(conn net.Conn) {
				hopRead(conn, 4)
				hopWrite(conn, []byte{0x04, socks5.MethodNoAuth})
			},
		},
		{
			name: "hop closed",
			respond: func(conn net.Conn) {
				hopRead(conn, 4)
				conn.Close()
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := scriptedHop(t, tc.respond)
			r := reactor.New(&reactor.Config{Timeout: 20})
			n := serveEntry(t, r, reg, 2)

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
		})
	}
}

func TestCircuitClientGoneBeforeBridging(t *testing.T) {
	greeted := make(chan struct{})
	release := make(chan struct{})

	reg := scriptedHop(t, func(conn net.Conn) {
		hopRead(conn, 4)
		close(greeted)

		<-release
		hopWrite(conn, []byte{socks5.VER, socks5.MethodNoAuth})
	})

	r := reactor.New(&reactor.Config{Timeout: 10})
	n := serveEntry(t, r, reg, 2)

	tick := func(times int, until func() bool) bool {
		for i := 0; i < times; i++ {
			if until != nil && until() {
				return true
			}
			if err := r.Tick(); err != nil {
				t.Fatalf("failed to tick: %v", err)
			}
		}
		return until != nil && until()
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(n.entry)))
	if err != nil {
		t.Fatalf("failed to dial entry: %v", err)
	}

	isGreeted := func() bool {
		select {
		case <-greeted:
			return true
		default:
			return false
		}
	}
	if !tick(500, isGreeted) {
		t.Fatalf("timeout waiting for circuit greeting")
	}

	// entry listener, client and circuit
	if r.Len() != 3 {
		t.Fatalf("handles not match, expect 3, but got %d", r.Len())
	}

	conn.(*net.TCPConn).SetLinger(0)
	conn.Close()

	onlyListener := func() bool { return r.Len() == 1 }
	tick(500, onlyListener)
	close(release)
	tick(50, nil)

	if r.Len() != 1 {
		t.Fatalf("handles not match, expect 1, but got %d", r.Len())
	}

	if active := n.statistics.Snapshot().Active; active != 0 {
		t.Fatalf("active circuits not match, expect 0, but got %d", active)
	}

	r.Shutdown()
	tick(100, func() bool { return r.Len() == 0 })
}
