package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	// SHA-256 of the empty string
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		hex.EncodeToString(Hash(nil)))
	assert.Len(t, Hash([]byte("x")), 32)
}

func TestVerifyHash(t *testing.T) {
	data := []byte("payload")
	assert.True(t, VerifyHash(data, Hash(data)))
	assert.False(t, VerifyHash(data, Hash([]byte("other"))))
	assert.False(t, VerifyHash(data, nil))
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	b, err := RandomBytes(32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.False(t, bytes.Equal(a, b))
}

func TestXORCTRInvolution(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	iv := bytes.Repeat([]byte{2}, 16)
	plain := []byte("the quick brown fox jumps over the lazy dog")

	enc, err := XORCTR(key, iv, plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, enc)

	dec, err := XORCTR(key, iv, enc)
	require.NoError(t, err)
	assert.Equal(t, plain, dec)
}

func TestNewAESCTRInvalid(t *testing.T) {
	_, err := NewAESCTR(make([]byte, 16), make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewAESCTR(make([]byte, 32), make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
