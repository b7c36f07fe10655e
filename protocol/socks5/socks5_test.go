package socks5

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ginuerzh/gosocks5"
)

func TestGreetingRequestEncodeDecode(t *testing.T) {
	packet := &GreetingRequest{
		Version: VER,
		Methods: []uint8{MethodNoAuth, MethodProbe},
	}

	encoded, err := packet.Encode()
	if err != nil {
		t.Fatalf("failed to encode %s", err)
	}

	decoded := &GreetingRequest{}
	n, err := decoded.Decode(encoded)
	if err != nil {
		t.Fatalf("failed to decode %s", err)
	}

	if n != len(encoded) {
		t.Fatalf("consumed not match, expect %d, but got %d", len(encoded), n)
	}

	if decoded.Version != packet.Version {
		t.Fatalf("Version not match, expect %d, but got %d", packet.Version, decoded.Version)
	}

	if !bytes.Equal(decoded.Methods, packet.Methods) {
		t.Fatalf("Methods not match, expect %v, but got %v", packet.Methods, decoded.Methods)
	}
}

func TestGreetingRequestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"version":    {0x04, 0x01, MethodNoAuth},
		"no methods": {VER, 0x00},
		"trailing":   {VER, 0x01, MethodNoAuth, MethodNoAuth},
	}

	for name, raw := range cases {
		_, err := (&GreetingRequest{}).Decode(raw)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("[%s] expect malformed, but got %v", name, err)
		}
	}
}

func TestGreetingRequestPartial(t *testing.T) {
	encoded, _ := (&GreetingRequest{Version: VER, Methods: []uint8{MethodNoAuth, 0x02, MethodProbe}}).Encode()

	for i := 0; i < len(encoded); i++ {
		_, err := (&GreetingRequest{}).Decode(encoded[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("expect incomplete with %d bytes, but got %v", i, err)
		}
	}

	if _, err := (&GreetingRequest{}).Decode(encoded); err != nil {
		t.Fatalf("failed to decode full greeting: %v", err)
	}
}

func TestGreetingRequestSelect(t *testing.T) {
	g := &GreetingRequest{Version: VER, Methods: []uint8{0x02, MethodProbe, MethodNoAuth}}
	if !g.Has(MethodProbe) {
		t.Fatalf("expect probe method present")
	}

	g.Remove(MethodProbe)
	if g.Has(MethodProbe) {
		t.Fatalf("expect probe method removed, but got %v", g.Methods)
	}

	if m := g.Select(SupportedMethods...); m != MethodNoAuth {
		t.Fatalf("Method not match, expect %d, but got %d", MethodNoAuth, m)
	}

	g = &GreetingRequest{Version: VER, Methods: []uint8{0x02}}
	if m := g.Select(SupportedMethods...); m != MethodNoAcceptable {
		t.Fatalf("Method not match, expect %d, but got %d", MethodNoAcceptable, m)
	}
}

func TestGreetingResponseEncodeDecode(t *testing.T) {
	packet := &GreetingResponse{Version: VER, Method: MethodNoAcceptable}

	encoded, err := packet.Encode()
	if err != nil {
		t.Fatalf("failed to encode %s", err)
	}

	decoded := &GreetingResponse{}
	if _, err := decoded.Decode(encoded); err != nil {
		t.Fatalf("failed to decode %s", err)
	}

	if *decoded != *packet {
		t.Fatalf("GreetingResponse not match, expect %v, but got %v", packet, decoded)
	}

	if _, err := decoded.Decode(encoded[:1]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expect incomplete, but got %v", err)
	}
}

func TestConnectionRequestEncodeDecode(t *testing.T) {
	packet := &ConnectionRequest{
		Version: VER,
		Command: CommandConnect,
		ATyp:    ATypIPv4,
		DSTAddr: "203.0.113.5",
		DSTPort: 80,
	}

	encoded, err := packet.Encode()
	if err != nil {
		t.Fatalf("failed to encode %s", err)
	}

	if len(encoded) != LENGTH_CONNECTION {
		t.Fatalf("length not match, expect %d, but got %d", LENGTH_CONNECTION, len(encoded))
	}

	decoded := &ConnectionRequest{}
	n, err := decoded.Decode(append(encoded, 'x'))
	if err != nil {
		t.Fatalf("failed to decode %s", err)
	}

	if n != LENGTH_CONNECTION {
		t.Fatalf("consumed not match, expect %d, but got %d", LENGTH_CONNECTION, n)
	}

	if *decoded != *packet {
		t.Fatalf("ConnectionRequest not match, expect %v, but got %v", packet, decoded)
	}

	if decoded.Address() != "203.0.113.5:80" {
		t.Fatalf("Address not match, expect %s, but got %s", "203.0.113.5:80", decoded.Address())
	}
}

func TestConnectionRequestPartial(t *testing.T) {
	encoded, _ := (&ConnectionRequest{Version: VER, Command: CommandConnect, ATyp: ATypIPv4, DSTAddr: "10.1.2.3", DSTPort: 1080}).Encode()

	for i := 0; i < len(encoded); i++ {
		_, err := (&ConnectionRequest{}).Decode(encoded[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("expect incomplete with %d bytes, but got %v", i, err)
		}
	}
}

func TestConnectionRequestDecodeMalformed(t *testing.T) {
	_, err := (&ConnectionRequest{}).Decode([]byte{VER, CommandConnect, 0x01, ATypIPv4, 127, 0, 0, 1, 0, 80})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expect malformed on reserved byte, but got %v", err)
	}

	_, err = (&ConnectionRequest{}).Decode([]byte{VER, 0x02, RSV, ATypIPv4, 127, 0, 0, 1, 0, 80})
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, ErrCommandNotSupported) {
		t.Fatalf("expect command not supported, but got %v", err)
	}

	_, err = (&ConnectionRequest{}).Decode([]byte{VER, CommandConnect, RSV, 0x03, 9, 'l', 'o'})
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, ErrAddressTypeNotSupported) {
		t.Fatalf("expect address type not supported, but got %v", err)
	}
}

func TestConnectionRequestEncodeInvalid(t *testing.T) {
	for _, addr := range []string{"256.0.0.1", "localhost", "::1", "1.2.3"} {
		_, err := (&ConnectionRequest{Version: VER, Command: CommandConnect, ATyp: ATypIPv4, DSTAddr: addr}).Encode()
		if err == nil {
			t.Fatalf("expect error encoding address %s", addr)
		}
	}
}

func TestConnectionResponseEncodeDecode(t *testing.T) {
	packet := &ConnectionResponse{
		Version: VER,
		Reply:   ReplyGeneralFailure,
		ATyp:    ATypIPv4,
		BNDAddr: "0.0.0.0",
		BNDPort: 0,
	}

	encoded, err := packet.Encode()
	if err != nil {
		t.Fatalf("failed to encode %s", err)
	}

	decoded := &ConnectionResponse{}
	if _, err := decoded.Decode(encoded); err != nil {
		t.Fatalf("failed to decode %s", err)
	}

	if *decoded != *packet {
		t.Fatalf("ConnectionResponse not match, expect %v, but got %v", packet, decoded)
	}
}

func TestConnectionRequestInterop(t *testing.T) {
	encoded, err := (&ConnectionRequest{Version: VER, Command: CommandConnect, ATyp: ATypIPv4, DSTAddr: "192.0.2.10", DSTPort: 8080}).Encode()
	if err != nil {
		t.Fatalf("failed to encode %s", err)
	}

	request, err := gosocks5.ReadRequest(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("gosocks5 failed to read request: %v", err)
	}

	if request.Cmd != gosocks5.CmdConnect {
		t.Fatalf("Cmd not match, expect %d, but got %d", gosocks5.CmdConnect, request.Cmd)
	}

	if request.Addr.Host != "192.0.2.10" || request.Addr.Port != 8080 {
		t.Fatalf("Addr not match, expect %s, but got %s", "192.0.2.10:8080", request.Addr.String())
	}
}

func TestConnectionResponseInterop(t *testing.T) {
	buf := &bytes.Buffer{}
	reply := gosocks5.NewReply(gosocks5.Succeeded, &gosocks5.Addr{
		Type: gosocks5.AddrIPv4,
		Host: "198.51.100.7",
		Port: 443,
	})
	if err := reply.Write(buf); err != nil {
		t.Fatalf("gosocks5 failed to write reply: %v", err)
	}

	decoded := &ConnectionResponse{}
	if _, err := decoded.Decode(buf.Bytes()); err != nil {
		t.Fatalf("failed to decode %s", err)
	}

	if decoded.Reply != ReplySucceeded || decoded.BNDAddr != "198.51.100.7" || decoded.BNDPort != 443 {
		t.Fatalf("ConnectionResponse not match, got %+v", decoded)
	}
}
