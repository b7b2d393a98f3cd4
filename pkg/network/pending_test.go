package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolvesOnce(t *testing.T) {
	p := newPendingTable[int64, string]()

	ch, err := p.register(7, "")
	require.NoError(t, err)

	assert.True(t, p.resolve(7, "peer", "first"))
	assert.False(t, p.resolve(7, "peer", "second"))

	got, err := p.wait(context.Background(), 7, ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Zero(t, p.len())
}

func TestPendingRejectsDuplicateKey(t *testing.T) {
	p := newPendingTable[int64, string]()

	_, err := p.register(1, "")
	require.NoError(t, err)
	_, err = p.register(1, "")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestPendingOwner(t *testing.T) {
	p := newPendingTable[int64, string]()

	_, err := p.register(1, "alice")
	require.NoError(t, err)

	assert.False(t, p.resolve(1, "mallory", "forged"))
	assert.True(t, p.resolve(1, "alice", "real"))
}

func TestPendingTimeoutEvicts(t *testing.T) {
	p := newPendingTable[int64, string]()

	ch, err := p.register(1, "")
	require.NoError(t, err)

	_, err = p.wait(context.Background(), 1, ch, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// a late response finds nothing to complete
	assert.False(t, p.resolve(1, "", "late"))
	assert.Zero(t, p.len())
}

func TestPendingContextCancel(t *testing.T) {
	p := newPendingTable[int64, string]()

	ch, err := p.register(1, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.wait(ctx, 1, ch, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.len())
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable[int64, string]()

	var chans []<-chan result[string]
	for i := int64(0); i < 5; i++ {
		ch, err := p.register(i, "")
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	p.failAll(ErrClosed)

	for i, ch := range chans {
		_, err := p.wait(context.Background(), int64(i), ch, time.Second)
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err := p.register(99, "")
	assert.ErrorIs(t, err, ErrClosed)
}
