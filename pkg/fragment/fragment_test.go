package fragment

import (
	"crypto/rand"
	"math"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/protocol"
)

const sender = "peer-a"

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplitReassembleSizes(t *testing.T) {
	const mtu = MTUConservative
	huge := MaxPayload(mtu)

	tests := []struct {
		name   string
		size   int
		tooBig bool
		parts  int
	}{
		{"empty", 0, false, 1},
		{"one byte", 1, false, 1},
		{"mtu-1", mtu - 1, false, 1},
		{"mtu", mtu, false, 1},
		{"mtu+1", mtu + 1, false, 2},
		{"huge max", huge, false, MaxParts},
		{"huge max+1", huge + 1, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := randomPayload(t, tt.size)

			parts, err := Split(payload, mtu)
			if tt.tooBig {
				assert.ErrorIs(t, err, ErrTooLarge)
				return
			}
			require.NoError(t, err)
			require.Len(t, parts, tt.parts)

			r := NewReassembler(0, 0)
			var out []byte
			for i, p := range parts {
				assert.LessOrEqual(t, len(p.Data), mtu)
				got, err := r.Add(sender, p)
				require.NoError(t, err)
				if i < len(parts)-1 {
					assert.Nil(t, got)
				} else {
					out = got
				}
			}
			require.NotNil(t, out)
			assert.Equal(t, len(payload), len(out))
			assert.Equal(t, payload, out)
			assert.Zero(t, r.Pending())
		})
	}
}

func TestSplitInvalidMTU(t *testing.T) {
	for _, mtu := range []int{0, -1, HugePacketMaxSize + 1} {
		_, err := Split([]byte("x"), mtu)
		assert.ErrorIs(t, err, ErrInvalidMTU, "mtu %d", mtu)
	}

	parts, err := Split(make([]byte, 100), HugePacketMaxSize)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestSplitSharesHash(t *testing.T) {
	payload := randomPayload(t, 20000)

	parts, err := Split(payload, MTUConservative)
	require.NoError(t, err)
	require.Len(t, parts, int(math.Ceil(20000.0/MTUConservative)))

	for i, p := range parts {
		assert.Equal(t, parts[0].Hash, p.Hash)
		assert.Equal(t, int32(20000), p.TotalSize)
		assert.Equal(t, int32(i*MTUConservative), p.Offset)
	}
}

func TestReassembleShuffledWithDuplicates(t *testing.T) {
	payload := randomPayload(t, 20000)
	parts, err := Split(payload, MTUConservative)
	require.NoError(t, err)

	// every part twice, shuffled
	delivery := append(append([]*protocol.Part{}, parts...), parts...)
	rng := mrand.New(mrand.NewSource(1))
	rng.Shuffle(len(delivery), func(i, j int) { delivery[i], delivery[j] = delivery[j], delivery[i] })

	r := NewReassembler(16, time.Minute)
	completions := 0
	for _, p := range delivery {
		got, err := r.Add(sender, p)
		require.NoError(t, err)
		if got != nil {
			completions++
			assert.Equal(t, payload, got)
		}
	}
	assert.Equal(t, 1, completions)
}

func TestReassembleOverlappingParts(t *testing.T) {
	payload := randomPayload(t, 300)
	parts, err := Split(payload, 100)
	require.NoError(t, err)

	r := NewReassembler(0, 0)
	overlap := &protocol.Part{Hash: parts[0].Hash, TotalSize: 300, Offset: 50, Data: payload[50:150]}

	got, err := r.Add(sender, overlap)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.Add(sender, parts[0])
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.Add(sender, parts[2])
	require.NoError(t, err)
	assert.Nil(t, got, "bytes 150..200 are still missing")

	got, err = r.Add(sender, parts[1])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReassembleRejectsInvalidParts(t *testing.T) {
	payload := randomPayload(t, 300)
	parts, err := Split(payload, 100)
	require.NoError(t, err)
	hash := parts[0].Hash

	tests := []struct {
		name string
		part *protocol.Part
	}{
		{"negative size", &protocol.Part{Hash: hash, TotalSize: -1}},
		{"oversized", &protocol.Part{Hash: hash, TotalSize: MaxMessageSize + 1}},
		{"negative offset", &protocol.Part{Hash: hash, TotalSize: 300, Offset: -1, Data: []byte{1}}},
		{"past the end", &protocol.Part{Hash: hash, TotalSize: 300, Offset: 250, Data: make([]byte, 100)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReassembler(0, 0).Add(sender, tt.part)
			assert.ErrorIs(t, err, ErrInvalidPart)
		})
	}

	r := NewReassembler(0, 0)
	_, err = r.Add(sender, parts[0])
	require.NoError(t, err)
	_, err = r.Add(sender, &protocol.Part{Hash: hash, TotalSize: 400, Offset: 100, Data: payload[100:200]})
	assert.ErrorIs(t, err, ErrInvalidPart, "total size changed between parts")
}

func TestReassembleHashMismatch(t *testing.T) {
	payload := randomPayload(t, 200)
	parts, err := Split(payload, 100)
	require.NoError(t, err)

	corrupt := *parts[1]
	corrupt.Data = append([]byte(nil), parts[1].Data...)
	corrupt.Data[0] ^= 0xff

	r := NewReassembler(0, 0)
	_, err = r.Add(sender, parts[0])
	require.NoError(t, err)
	_, err = r.Add(sender, &corrupt)
	assert.ErrorIs(t, err, ErrInvalidPart)
	assert.Zero(t, r.Pending())
}

func TestReassemblePartialExpires(t *testing.T) {
	payload := randomPayload(t, 200)
	parts, err := Split(payload, 100)
	require.NoError(t, err)

	r := NewReassembler(0, 50*time.Millisecond)
	_, err = r.Add(sender, parts[0])
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	assert.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	// the first half is gone, so the second alone cannot complete
	got, err := r.Add(sender, parts[1])
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReassembleKeepsSendersApart(t *testing.T) {
	payload := randomPayload(t, 300)
	parts, err := Split(payload, 100)
	require.NoError(t, err)
	hash := parts[0].Hash

	r := NewReassembler(0, 0)
	_, err = r.Add(sender, parts[0])
	require.NoError(t, err)

	// another sender reuses the hash with a different size and garbage
	_, err = r.Add("peer-b", &protocol.Part{Hash: hash, TotalSize: 400, Offset: 0, Data: make([]byte, 100)})
	require.NoError(t, err)
	_, err = r.Add("peer-b", &protocol.Part{Hash: hash, TotalSize: 400, Offset: 100, Data: make([]byte, 100)})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Pending())

	got, err := r.Add(sender, parts[1])
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = r.Add(sender, parts[2])
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// completion for one sender does not mute the other
	_, err = r.Add("peer-b", parts[0])
	assert.ErrorIs(t, err, ErrInvalidPart, "peer-b still holds its own 400 byte message")
}
