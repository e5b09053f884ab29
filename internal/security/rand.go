package security

import (
	"crypto/rand"
	"encoding/base64"
	"io"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

// SessionID returns a random base64url identifier for a connection that did
// not bring its own.
func SessionID() (string, error) {
	b, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
