package encryption

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHSharedSecretAgreement(t *testing.T) {
	a, err := DHGenerate()
	require.NoError(t, err)
	b, err := DHGenerate()
	require.NoError(t, err)

	keyA := a.Derive(b.Public)
	keyB := b.Derive(a.Public)
	require.Len(t, keyA, 32)
	assert.Equal(t, keyA, keyB)
}

func TestDHPublicTextualSize(t *testing.T) {
	// The staging layer bounds the public's decimal form to 1000-2500
	// digits; the group must actually produce values in that window.
	kp, err := DHGenerate()
	require.NoError(t, err)
	digits := len(kp.Public.String())
	assert.GreaterOrEqual(t, digits, 1000)
	assert.LessOrEqual(t, digits, 2500)
}

func TestDHKeypairsDiffer(t *testing.T) {
	a, err := DHGenerate()
	require.NoError(t, err)
	b, err := DHGenerate()
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, b.Public)
}

func TestValidDHPublic(t *testing.T) {
	assert.False(t, ValidDHPublic(nil))
	assert.False(t, ValidDHPublic(big.NewInt(0)))
	assert.False(t, ValidDHPublic(big.NewInt(1)))
	assert.False(t, ValidDHPublic(big.NewInt(-5)))
	assert.True(t, ValidDHPublic(big.NewInt(2)))
}

func TestRandomNonce(t *testing.T) {
	nonce, err := RandomNonce(16)
	require.NoError(t, err)
	require.Len(t, nonce, 16)
	for _, c := range nonce {
		assert.True(t, c >= '0' && c <= '9')
	}

	other, err := RandomNonce(16)
	require.NoError(t, err)
	assert.NotEqual(t, nonce, other)
}

func TestGenerateAESKey(t *testing.T) {
	key, err := GenerateAESKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	allSame := true
	for _, b := range key {
		if b != key[0] {
			allSame = false
			break
		}
	}
	assert.False(t, allSame)
}
