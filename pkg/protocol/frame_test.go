package protocol

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

func streamPair(t *testing.T) (cipher.Stream, cipher.Stream) {
	t.Helper()
	key := bytes.Repeat([]byte{0x11}, 32)
	iv := bytes.Repeat([]byte{0x22}, 16)

	enc, err := crypto.NewAESCTR(key, iv)
	require.NoError(t, err)
	dec, err := crypto.NewAESCTR(key, iv)
	require.NoError(t, err)
	return enc, dec
}

func TestFrameRoundTrip(t *testing.T) {
	enc, dec := streamPair(t)
	var wire bytes.Buffer

	payloads := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{7}, 100000),
		[]byte("last"),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&wire, enc, p))
	}

	for i, want := range payloads {
		got, err := ReadFrame(&wire, dec)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got, "frame %d", i)
	}
	assert.Zero(t, wire.Len())
}

func TestFrameEmptyPayloadSize(t *testing.T) {
	enc, _ := streamPair(t)
	var wire bytes.Buffer

	require.NoError(t, WriteFrame(&wire, enc, nil))
	assert.Equal(t, 4+FrameOverhead, wire.Len())
}

func TestFrameTooLarge(t *testing.T) {
	enc, dec := streamPair(t)

	err := WriteFrame(&bytes.Buffer{}, enc, make([]byte, MaxFrameSize))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	size := binary.LittleEndian.AppendUint32(nil, MaxFrameSize+1)
	// encrypt the bogus size the way a peer would
	encSize := make([]byte, 4)
	enc2, _ := streamPair(t)
	enc2.XORKeyStream(encSize, size)

	_, err = ReadFrame(bytes.NewReader(encSize), dec)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameMalformedSize(t *testing.T) {
	enc, dec := streamPair(t)

	wire := make([]byte, 4)
	enc.XORKeyStream(wire, binary.LittleEndian.AppendUint32(nil, 10))

	_, err := ReadFrame(bytes.NewReader(wire), dec)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameZeroSizeIsConfirmation(t *testing.T) {
	enc, dec := streamPair(t)

	wire := make([]byte, 4)
	enc.XORKeyStream(wire, make([]byte, 4))

	payload, err := ReadFrame(bytes.NewReader(wire), dec)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestFrameIntegrityFailure(t *testing.T) {
	enc, dec := streamPair(t)
	var wire bytes.Buffer

	require.NoError(t, WriteFrame(&wire, enc, []byte("hello world")))
	raw := wire.Bytes()
	raw[40] ^= 0x80

	_, err := ReadFrame(bytes.NewReader(raw), dec)
	assert.ErrorIs(t, err, crypto.ErrIntegrityCheckFailed)
}
