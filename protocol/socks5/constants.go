package socks5

import "errors"

// Reference:
//   SOCKS5: https://www.rfc-editor.org/rfc/rfc1928

const (
	VER = 0x05
	RSV = 0x00
)

// METHOD
const (
	MethodNoAuth       = 0x00
	MethodNoAcceptable = 0xff
	// MethodProbe is a private-range method advertised by a circuit builder
	// to every hop that is followed by another hop.
	MethodProbe = 0x80
)

// CMD
const (
	CommandConnect = 0x01
)

// ATYP
const (
	ATypIPv4 = 0x01
)

// REP
const (
	ReplySucceeded               = 0x00
	ReplyGeneralFailure          = 0x01
	ReplyCommandNotSupported     = 0x07
	ReplyAddressTypeNotSupported = 0x08
)

// SupportedMethods are the authentication methods a relay accepts, in
// preference order.
var SupportedMethods = []uint8{MethodNoAuth}

var (
	// ErrIncomplete means more bytes are required before the message can be decoded.
	ErrIncomplete = errors.New("socks5: incomplete message")
	// ErrMalformed means the bytes can never form a valid message.
	ErrMalformed = errors.New("socks5: malformed message")

	ErrCommandNotSupported     = errors.New("command not supported")
	ErrAddressTypeNotSupported = errors.New("address type not supported")
)

// Message is implemented by every SOCKS5 packet handled by this package.
type Message interface {
	Encode() ([]byte, error)
	// Decode parses raw and returns the number of bytes consumed.
	Decode(raw []byte) (int, error)
}
