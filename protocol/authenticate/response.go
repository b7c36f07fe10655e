package authenticate

import (
	"bytes"
	"fmt"
	"io"
)

// response: STATUS | MESSAGE
//            1     |  -

const (
	LENGTH_STATUS = 1
)

const (
	STATUS_OK                = 0x00
	STATUS_INVALID_PACKET    = 0x01
	STATUS_INVALID_SIGNATURE = 0x02
	STATUS_EXPIRED           = 0x03
)

type AuthenticateResponse struct {
	Status  uint8
	Message string
}

func EncodeResponse(a *AuthenticateResponse) ([]byte, error) {
	buf := bytes.NewBuffer([]byte{})
	buf.WriteByte(a.Status)
	buf.WriteString(a.Message)
	return buf.Bytes(), nil
}

func DecodeResponse(raw []byte) (*AuthenticateResponse, error) {
	reader := bytes.NewReader(raw)

	// STATUS
	buf := make([]byte, LENGTH_STATUS)
	n, err := io.ReadFull(reader, buf)
	if n != LENGTH_STATUS || err != nil {
		return nil, fmt.Errorf("failed to read status:  %s", err)
	}
	Status := uint8(buf[0])

	// Message
	buf, err = io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read message:  %s", err)
	}
	Message := string(buf)

	return &AuthenticateResponse{
		Status,
		Message,
	}, nil
}
