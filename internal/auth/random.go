package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const randomTokenBytes = 32

// GenerateToken returns an opaque, unguessable token string for the
// email-verification and password-reset flows. Uniqueness is not checked;
// 256 bits of entropy make collisions a non-concern.
func GenerateToken() (string, error) {
	buf := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: entropy: %v", ErrUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
