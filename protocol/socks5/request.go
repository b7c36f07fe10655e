package socks5

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// CONNECTION:
// request:  VER | CMD | RSV  | ATYP | DST.ADDR | DST.PORT
//            1  |  1  | 0x00 |  1   |    4     |    2
// response: VER | REP | RSV  | ATYP | BND.ADDR | BND.PORT
//            1  |  1  | 0x00 |  1   |    4     |    2
//
// Only ATYP IPv4 is supported, so both messages are 10 bytes long.

const (
	LENGTH_HEADER     = 4
	LENGTH_IPV4       = 4
	LENGTH_PORT       = 2
	LENGTH_CONNECTION = LENGTH_HEADER + LENGTH_IPV4 + LENGTH_PORT
)

type ConnectionRequest struct {
	Version uint8
	Command uint8
	ATyp    uint8
	DSTAddr string
	DSTPort uint16
}

func (r *ConnectionRequest) Encode() ([]byte, error) {
	if r.Command != CommandConnect {
		return nil, fmt.Errorf("unsupported command(%d)", r.Command)
	}

	return encodeConnection(r.Version, r.Command, r.ATyp, r.DSTAddr, r.DSTPort)
}

// Decode consumes exactly one request; trailing bytes are left to the caller.
func (r *ConnectionRequest) Decode(raw []byte) (int, error) {
	if len(raw) >= 2 && raw[1] != CommandConnect && raw[0] == VER {
		return 0, fmt.Errorf("%w: %w (%d)", ErrMalformed, ErrCommandNotSupported, raw[1])
	}

	version, command, atyp, addr, port, err := decodeConnection(raw)
	if err != nil {
		return 0, err
	}

	r.Version = version
	r.Command = command
	r.ATyp = atyp
	r.DSTAddr = addr
	r.DSTPort = port
	return LENGTH_CONNECTION, nil
}

// Address returns DST.ADDR:DST.PORT.
func (r *ConnectionRequest) Address() string {
	return net.JoinHostPort(r.DSTAddr, strconv.Itoa(int(r.DSTPort)))
}

type ConnectionResponse struct {
	Version uint8
	Reply   uint8
	ATyp    uint8
	BNDAddr string
	BNDPort uint16
}

func (r *ConnectionResponse) Encode() ([]byte, error) {
	return encodeConnection(r.Version, r.Reply, r.ATyp, r.BNDAddr, r.BNDPort)
}

func (r *ConnectionResponse) Decode(raw []byte) (int, error) {
	version, reply, atyp, addr, port, err := decodeConnection(raw)
	if err != nil {
		return 0, err
	}

	r.Version = version
	r.Reply = reply
	r.ATyp = atyp
	r.BNDAddr = addr
	r.BNDPort = port
	return LENGTH_CONNECTION, nil
}

// ParseIPv4 validates a dotted-quad address.
func ParseIPv4(address string) ([LENGTH_IPV4]byte, error) {
	ip, err := netip.ParseAddr(address)
	if err != nil || !ip.Is4() {
		return [LENGTH_IPV4]byte{}, fmt.Errorf("invalid ipv4 address(%s)", address)
	}

	return ip.As4(), nil
}

func encodeConnection(version, code, atyp uint8, address string, port uint16) ([]byte, error) {
	if version != VER {
		return nil, fmt.Errorf("invalid version(%d), expect %d", version, VER)
	}
	if atyp != ATypIPv4 {
		return nil, fmt.Errorf("unsupported address type(%d)", atyp)
	}

	ip, err := ParseIPv4(address)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, LENGTH_CONNECTION))
	buf.WriteByte(version)
	buf.WriteByte(code)
	buf.WriteByte(RSV)
	buf.WriteByte(atyp)
	buf.Write(ip[:])
	binary.Write(buf, binary.BigEndian, port)
	return buf.Bytes(), nil
}

func decodeConnection(raw []byte) (version, code, atyp uint8, address string, port uint16, err error) {
	if len(raw) < LENGTH_HEADER {
		err = ErrIncomplete
		return
	}

	version, code, atyp = raw[0], raw[1], raw[3]
	if version != VER {
		err = fmt.Errorf("%w: version %d", ErrMalformed, version)
		return
	}
	if raw[2] != RSV {
		err = fmt.Errorf("%w: reserved byte %#x", ErrMalformed, raw[2])
		return
	}
	if atyp != ATypIPv4 {
		err = fmt.Errorf("%w: %w (%d)", ErrMalformed, ErrAddressTypeNotSupported, atyp)
		return
	}

	if len(raw) < LENGTH_CONNECTION {
		err = ErrIncomplete
		return
	}

	ip := netip.AddrFrom4([LENGTH_IPV4]byte(raw[LENGTH_HEADER : LENGTH_HEADER+LENGTH_IPV4]))
	address = ip.String()
	if _, errx := ParseIPv4(address); errx != nil {
		err = fmt.Errorf("%w: %v", ErrMalformed, errx)
		return
	}

	port = binary.BigEndian.Uint16(raw[LENGTH_HEADER+LENGTH_IPV4:])
	return
}
