package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-zoox/crypto/hmac"
)

// Signer computes HMAC-SHA256 signatures shared by the registry and its
// clients. An empty secret disables verification.
type Signer struct {
	secret string
}

func NewSigner(secret string) *Signer {
	return &Signer{secret}
}

func (s *Signer) Enabled() bool {
	return s.secret != ""
}

// Sign returns the hex signature of parts joined by "_".
func (s *Signer) Sign(parts ...string) (signature string, err error) {
	defer func() {
		if errx := recover(); errx != nil {
			switch v := errx.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = fmt.Errorf("%v", v)
			}
		}
	}()

	return hmac.Sha256(strings.Join(parts, "_"), s.secret, "hex"), nil
}

func (s *Signer) Verify(signature string, parts ...string) (bool, error) {
	if !s.Enabled() {
		return true, nil
	}

	if ns, err := s.Sign(parts...); err != nil {
		return false, err
	} else {
		return ns == signature, nil
	}
}
