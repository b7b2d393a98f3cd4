package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.Len(t, id.PublicKey(), ed25519.PublicKeySize)
	assert.Len(t, id.Seed(), ed25519.SeedSize)
	assert.Len(t, id.X25519PublicKey(), 32)
	assert.Equal(t, KeyIDOf(id.PublicKey()), id.KeyID())
}

func TestIdentityFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	a, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	b, err := IdentityFromSeed(seed)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.KeyID(), b.KeyID())
	assert.Equal(t, a.X25519PublicKey(), b.X25519PublicKey())
}

func TestIdentityFromSeedInvalid(t *testing.T) {
	tests := []struct {
		name string
		seed []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 31)},
		{"long", make([]byte, 33)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IdentityFromSeed(tt.seed)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestIdentityFromBase64(t *testing.T) {
	seed := bytes.Repeat([]byte{3}, 32)
	id, err := IdentityFromBase64(base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)
	assert.Equal(t, seed, id.Seed())

	_, err = IdentityFromBase64("not base64!")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMontgomeryMatchesX25519Base(t *testing.T) {
	// The converted Ed25519 public key must equal X25519(scalar, basepoint)
	for i := 0; i < 8; i++ {
		id, err := GenerateIdentity()
		require.NoError(t, err)

		expected, err := curve25519.X25519(id.xPrivate, curve25519.Basepoint)
		require.NoError(t, err)
		assert.Equal(t, expected, id.X25519PublicKey())
	}
}

func TestSharedKeySymmetric(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	ab, err := alice.SharedKey(bob.PublicKey())
	require.NoError(t, err)
	ba, err := bob.SharedKey(alice.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Len(t, ab, 32)
}

func TestSharedKeyInvalidRemote(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	_, err = id.SharedKey(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	data := []byte("adnl packet contents")
	sig := id.Sign(data)
	assert.Len(t, sig, ed25519.SignatureSize)
	assert.True(t, Verify(id.PublicKey(), data, sig))

	sig[0] ^= 0x01
	assert.False(t, Verify(id.PublicKey(), data, sig))
	assert.False(t, Verify(id.PublicKey(), data, sig[:10]))
}

func TestKeyIDDeterministicAndDistinct(t *testing.T) {
	seen := make(map[KeyID]bool)
	for i := 0; i < 256; i++ {
		key := make([]byte, 32)
		key[0] = byte(i)
		key[31] = byte(255 - i)

		first := KeyIDOf(key)
		second := KeyIDOf(key)
		assert.Equal(t, first, second)

		assert.False(t, seen[first], "collision at %d", i)
		seen[first] = true
	}
}

func TestTLKeyIDDiffersFromRawKeyID(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.NotEqual(t, KeyIDOf(id.PublicKey()), TLKeyIDOf(id.PublicKey()))
	assert.Len(t, id.KeyID().String(), 64)
}

func TestParsePublicKey(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(base64.StdEncoding.EncodeToString(id.PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), parsed)

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
