package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher is the one-way hash capability used for every opaque secret in the
// system: user passwords, refresh tokens, email-verification tokens and
// password-reset tokens. The hash is salted, so repeated calls on the same
// input produce different outputs and stored hashes cannot be looked up by
// equality.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Compare(plaintext, hashed string) (bool, error)
}

// BcryptHasher implements Hasher with golang.org/x/crypto/bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a BcryptHasher. A cost outside bcrypt's valid
// range falls back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// bcrypt rejects inputs longer than 72 bytes. Signed refresh tokens run
// about 300 bytes, so anything over the limit is reduced to a SHA-256
// digest first. The same reduction runs on hash and on compare, which
// keeps stored hashes round-tripping.
const bcryptMaxInput = 72

func normalizeSecret(plaintext string) []byte {
	if len(plaintext) <= bcryptMaxInput {
		return []byte(plaintext)
	}
	sum := sha256.Sum256([]byte(plaintext))
	return []byte(base64.RawStdEncoding.EncodeToString(sum[:]))
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("auth: refusing to hash empty input")
	}
	hashed, err := bcrypt.GenerateFromPassword(normalizeSecret(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("%w: bcrypt: %v", ErrUnavailable, err)
	}
	return string(hashed), nil
}

func (h *BcryptHasher) Compare(plaintext, hashed string) (bool, error) {
	if hashed == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hashed), normalizeSecret(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: bcrypt: %v", ErrUnavailable, err)
	}
}
