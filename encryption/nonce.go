package encryption

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	digits       = "0123456789"
	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// RandomNonce returns n cryptographically random decimal digits.
func RandomNonce(n int) (string, error) {
	return randomFrom(digits, n)
}

// RandomAlphanumeric returns n cryptographically random characters from
// [a-zA-Z0-9]. Used for session identifiers.
func RandomAlphanumeric(n int) (string, error) {
	return randomFrom(alphanumeric, n)
}

// GenerateAESKey mints a fresh 32-byte session key. Keys are drawn from the
// alphanumeric range so they survive the string-typed key fields on the
// agent side.
func GenerateAESKey() ([]byte, error) {
	s, err := randomFrom(alphanumeric, 32)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func randomFrom(charset string, n int) (string, error) {
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
