package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := New(bytes.Repeat([]byte{0x42}, 32), crypto.KeyIDOf([]byte("recipient")))
	require.NoError(t, err)
	return ch
}

func TestChannelInvolution(t *testing.T) {
	ch := testChannel(t)

	for _, size := range []int{0, 1, 15, 16, 17, 1024, 8192} {
		plain := bytes.Repeat([]byte{byte(size)}, size)

		wire, err := ch.Encrypt(plain)
		require.NoError(t, err)
		assert.Len(t, wire, HeaderSize+size)
		id := ch.ID()
		assert.Equal(t, id[:], wire[:32])

		got, err := ch.Decrypt(wire)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestChannelBitFlipFailsIntegrity(t *testing.T) {
	ch := testChannel(t)
	plain := []byte("the packet contents that must not be silently corrupted")

	wire, err := ch.Encrypt(plain)
	require.NoError(t, err)

	// every bit after the recipient id
	for i := crypto.KeyIDSize; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), wire...)
			tampered[i] ^= 1 << bit

			_, err := ch.Decrypt(tampered)
			require.ErrorIs(t, err, crypto.ErrIntegrityCheckFailed, "byte %d bit %d", i, bit)
		}
	}

	// flipping the recipient id routes the packet elsewhere
	tampered := append([]byte(nil), wire...)
	tampered[0] ^= 1
	_, err = ch.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrWrongRecipient)
}

func TestChannelWrongKey(t *testing.T) {
	a := testChannel(t)
	b, err := New(bytes.Repeat([]byte{0x43}, 32), a.ID())
	require.NoError(t, err)

	wire, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Decrypt(wire)
	assert.ErrorIs(t, err, crypto.ErrIntegrityCheckFailed)
}

func TestChannelShortPacket(t *testing.T) {
	ch := testChannel(t)

	_, err := ch.Decrypt(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Open(make([]byte, 32), make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(make([]byte, 16), crypto.KeyID{})
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestNegotiateDirections(t *testing.T) {
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bob, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	aliceEph, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bobEph, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ap, err := Negotiate(aliceEph, bobEph.PublicKey(), alice.KeyID(), bob.KeyID())
	require.NoError(t, err)
	bp, err := Negotiate(bobEph, aliceEph.PublicKey(), bob.KeyID(), alice.KeyID())
	require.NoError(t, err)

	assert.Equal(t, ap.Out.ID(), bp.In.ID())
	assert.Equal(t, bp.Out.ID(), ap.In.ID())
	assert.NotEqual(t, ap.In.ID(), ap.Out.ID())

	wire, err := ap.Out.Encrypt([]byte("alice to bob"))
	require.NoError(t, err)
	got, err := bp.In.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice to bob"), got)

	wire, err = bp.Out.Encrypt([]byte("bob to alice"))
	require.NoError(t, err)
	got, err = ap.In.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("bob to alice"), got)
}

func TestNegotiateSameID(t *testing.T) {
	a, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	b, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	id := crypto.KeyIDOf([]byte("loopback"))
	p, err := Negotiate(a, b.PublicKey(), id, id)
	require.NoError(t, err)
	assert.Equal(t, p.In.ID(), p.Out.ID())
}
