package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/channel"
	"github.com/ZentaChain/adnl/pkg/crypto"
)

func testPeer(t *testing.T) *Peer {
	t.Helper()
	local, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	remote, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p, err := newPeer(local, remote.PublicKey(), nil)
	require.NoError(t, err)
	return p
}

func TestPeerConfirmSeqnoMonotonic(t *testing.T) {
	p := testPeer(t)

	for _, s := range []int64{1, 5, 3, 4, 9, 2} {
		p.observe(s, nil, nil)
	}
	assert.Equal(t, int64(9), p.ConfirmSeqno())
}

func TestPeerOutgoingSeqno(t *testing.T) {
	p := testPeer(t)
	p.observe(4, nil, nil)

	s1, confirm, _, ch := p.outgoing()
	s2, _, _, _ := p.outgoing()
	assert.Equal(t, int64(1), s1)
	assert.Equal(t, int64(2), s2)
	assert.Equal(t, int64(4), confirm)
	assert.Nil(t, ch)
}

func TestPeerReinit(t *testing.T) {
	p := testPeer(t)

	ok, dropped := p.checkReinit(100)
	assert.True(t, ok)
	assert.Nil(t, dropped)

	pair := &channel.Pair{}
	p.installChannel(pair)
	p.observe(10, nil, nil)

	// older incarnation
	ok, _ = p.checkReinit(99)
	assert.False(t, ok)

	// same incarnation
	ok, dropped = p.checkReinit(100)
	assert.True(t, ok)
	assert.Nil(t, dropped)
	assert.True(t, p.HasChannel())

	// restart resets the session
	ok, dropped = p.checkReinit(200)
	assert.True(t, ok)
	assert.Same(t, pair, dropped)
	assert.False(t, p.HasChannel())
	assert.Zero(t, p.ConfirmSeqno())

	select {
	case <-p.channelReady():
		t.Fatal("ready must be reset after a restart")
	default:
	}
}

func TestPeerProposalReused(t *testing.T) {
	p := testPeer(t)

	a, err := p.propose()
	require.NoError(t, err)
	b, err := p.propose()
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	p.installChannel(&channel.Pair{})
	assert.Nil(t, p.proposal())
	<-p.channelReady()
}
