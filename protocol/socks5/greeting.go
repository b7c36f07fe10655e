package socks5

import (
	"bytes"
	"fmt"
)

// GREETING:
// request:  VER | NMETHODS | METHODS
//            1  |    1     | 1 to 255
// response: VER | METHOD
//            1  |   1

type GreetingRequest struct {
	Version uint8
	Methods []uint8
}

func (g *GreetingRequest) Encode() ([]byte, error) {
	if g.Version != VER {
		return nil, fmt.Errorf("invalid version(%d), expect %d", g.Version, VER)
	}
	if len(g.Methods) == 0 || len(g.Methods) > 255 {
		return nil, fmt.Errorf("invalid methods length(%d), expect 1 to 255", len(g.Methods))
	}

	buf := bytes.NewBuffer([]byte{})
	buf.WriteByte(g.Version)
	buf.WriteByte(uint8(len(g.Methods)))
	buf.Write(g.Methods)
	return buf.Bytes(), nil
}

// Decode requires raw to hold exactly one greeting: bytes beyond the
// declared methods are a protocol violation.
func (g *GreetingRequest) Decode(raw []byte) (int, error) {
	if len(raw) < 2 {
		return 0, ErrIncomplete
	}

	version, nmethods := raw[0], int(raw[1])
	if version != VER {
		return 0, fmt.Errorf("%w: version %d", ErrMalformed, version)
	}
	if nmethods == 0 {
		return 0, fmt.Errorf("%w: no methods", ErrMalformed)
	}

	size := 2 + nmethods
	if len(raw) < size {
		return 0, ErrIncomplete
	} else if len(raw) > size {
		return 0, fmt.Errorf("%w: %d methods declared, %d present", ErrMalformed, nmethods, len(raw)-2)
	}

	g.Version = version
	g.Methods = append([]uint8{}, raw[2:size]...)
	return size, nil
}

// Has reports whether method is advertised.
func (g *GreetingRequest) Has(method uint8) bool {
	return bytes.IndexByte(g.Methods, method) != -1
}

// Remove drops every occurrence of method.
func (g *GreetingRequest) Remove(method uint8) {
	methods := g.Methods[:0]
	for _, m := range g.Methods {
		if m != method {
			methods = append(methods, m)
		}
	}
	g.Methods = methods
}

// Select returns the first advertised method that is also supported, or
// MethodNoAcceptable.
func (g *GreetingRequest) Select(supported ...uint8) uint8 {
	for _, m := range g.Methods {
		if bytes.IndexByte(supported, m) != -1 {
			return m
		}
	}

	return MethodNoAcceptable
}

type GreetingResponse struct {
	Version uint8
	Method  uint8
}

func (g *GreetingResponse) Encode() ([]byte, error) {
	if g.Version != VER {
		return nil, fmt.Errorf("invalid version(%d), expect %d", g.Version, VER)
	}

	return []byte{g.Version, g.Method}, nil
}

func (g *GreetingResponse) Decode(raw []byte) (int, error) {
	if len(raw) < 2 {
		return 0, ErrIncomplete
	}
	if raw[0] != VER {
		return 0, fmt.Errorf("%w: version %d", ErrMalformed, raw[0])
	}

	g.Version = raw[0]
	g.Method = raw[1]
	return 2, nil
}
