package core

import (
	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/connection"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultBacklog       = 128
	DefaultPathLength    = circuit.DefaultLength
	DefaultMaxBufferSize = connection.DefaultMaxBufferSize
)

// unspecified is the address echoed in failure replies.
const unspecified = "0.0.0.0"
