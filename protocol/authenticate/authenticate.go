package authenticate

import (
	"bytes"
	"fmt"
	"io"
)

// DATA Protocol:
//
// AUTHENTICATE DATA:
// request:  TIMESTAMP | NONCE | SIGNATURE
//              13     |   6   |  64 HMAC_SHA256
// response: STATUS | MESSAGE
//            1     |  -

const (
	LENGTH_TIMESTAMP = 13
	LENGTH_NONCE     = 6
	LENGTH_SIGNATURE = 64
)

type Authenticate struct {
	Timestamp string
	Nonce     string
	Signature string
}

func Encode(a *Authenticate) ([]byte, error) {
	if len(a.Timestamp) != LENGTH_TIMESTAMP {
		return nil, fmt.Errorf("invalid timestamp length(%d), expect %d", len(a.Timestamp), LENGTH_TIMESTAMP)
	}
	if len(a.Nonce) != LENGTH_NONCE {
		return nil, fmt.Errorf("invalid nonce length(%d), expect %d", len(a.Nonce), LENGTH_NONCE)
	}
	if len(a.Signature) != LENGTH_SIGNATURE {
		return nil, fmt.Errorf("invalid signature length(%d), expect %d", len(a.Signature), LENGTH_SIGNATURE)
	}

	buf := bytes.NewBuffer([]byte{})
	buf.WriteString(a.Timestamp)
	buf.WriteString(a.Nonce)
	buf.WriteString(a.Signature)
	return buf.Bytes(), nil
}

func Decode(raw []byte) (*Authenticate, error) {
	reader := bytes.NewReader(raw)

	// TIMESTAMP
	buf := make([]byte, LENGTH_TIMESTAMP)
	n, err := io.ReadFull(reader, buf)
	if n != LENGTH_TIMESTAMP || err != nil {
		return nil, fmt.Errorf("failed to read timestamp:  %s", err)
	}
	Timestamp := string(buf)

	// NONCE
	buf = make([]byte, LENGTH_NONCE)
	n, err = io.ReadFull(reader, buf)
	if n != LENGTH_NONCE || err != nil {
		return nil, fmt.Errorf("failed to read nonce:  %s", err)
	}
	Nonce := string(buf)

	// SIGNATURE
	buf = make([]byte, LENGTH_SIGNATURE)
	n, err = io.ReadFull(reader, buf)
	if n != LENGTH_SIGNATURE || err != nil {
		return nil, fmt.Errorf("failed to read signature:  %s", err)
	}
	Signature := string(buf)

	if reader.Len() != 0 {
		return nil, fmt.Errorf("unexpected %d trailing bytes", reader.Len())
	}

	return &Authenticate{
		Timestamp,
		Nonce,
		Signature,
	}, nil
}
