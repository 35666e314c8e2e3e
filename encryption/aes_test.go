package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		key       []byte
		plaintext []byte
	}{
		{"aes-256 short", bytes.Repeat([]byte("k"), 32), []byte("hello")},
		{"aes-128", bytes.Repeat([]byte("j"), 16), []byte("sixteen byte key")},
		{"empty plaintext", bytes.Repeat([]byte("k"), 32), []byte{}},
		{"block multiple", bytes.Repeat([]byte("k"), 32), bytes.Repeat([]byte("x"), 64)},
		{"binary", bytes.Repeat([]byte("k"), 32), []byte{0, 1, 2, 0xff, 0xfe, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := AESEncryptThenHMAC(tt.key, tt.plaintext)
			require.NoError(t, err)

			opened, err := AESDecryptAndVerify(tt.key, sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

func TestAESRandomIV(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	a, err := AESEncryptThenHMAC(key, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := AESEncryptThenHMAC(key, []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESOpenRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	sealed, err := AESEncryptThenHMAC(key, []byte("authentic"))
	require.NoError(t, err)

	for i := 0; i < len(sealed); i += 7 {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := AESDecryptAndVerify(key, tampered)
		assert.ErrorIs(t, err, ErrMacMismatch, "flip at offset %d", i)
	}
}

func TestAESOpenRejectsWrongKey(t *testing.T) {
	sealed, err := AESEncryptThenHMAC(bytes.Repeat([]byte("k"), 32), []byte("secret"))
	require.NoError(t, err)

	_, err = AESDecryptAndVerify(bytes.Repeat([]byte("w"), 32), sealed)
	assert.ErrorIs(t, err, ErrMacMismatch)
}

func TestAESOpenRejectsShortInput(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	for _, n := range []int{0, 1, 10, 25} {
		_, err := AESDecryptAndVerify(key, make([]byte, n))
		assert.ErrorIs(t, err, ErrMacMismatch, "len %d", n)
	}
}
