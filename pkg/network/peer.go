package network

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/ZentaChain/adnl/pkg/channel"
	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/protocol"
)

// Peer is a remote ADNL node known to a UDP transport
type Peer struct {
	id  crypto.KeyID
	key ed25519.PublicKey

	// shared is the identity-level ECDH key used for packets sent before a
	// channel exists
	shared []byte

	mu           sync.Mutex
	addr         net.Addr
	seqno        int64
	confirmSeqno int64
	reinitDate   int32
	addrList     *protocol.AddressList
	channel      *channel.Pair
	proposed     *crypto.Identity
	ready        chan struct{}
	lastSeen     time.Time
}

// PeerStats is a snapshot of a peer's session state
type PeerStats struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Seqno        int64     `json:"seqno"`
	ConfirmSeqno int64     `json:"confirm_seqno"`
	ReinitDate   int32     `json:"reinit_date"`
	Channel      bool      `json:"channel"`
	LastSeen     time.Time `json:"last_seen"`
}

func newPeer(local *crypto.Identity, key ed25519.PublicKey, addr net.Addr) (*Peer, error) {
	shared, err := local.SharedKey(key)
	if err != nil {
		return nil, err
	}
	return &Peer{
		id:     crypto.KeyIDOf(key),
		key:    key,
		shared: shared,
		addr:   addr,
		ready:  make(chan struct{}),
	}, nil
}

// ID returns the peer's key-id
func (p *Peer) ID() crypto.KeyID { return p.id }

// PublicKey returns the peer's identity key
func (p *Peer) PublicKey() ed25519.PublicKey { return p.key }

// Addr returns the address packets to the peer are sent to
func (p *Peer) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// ConfirmSeqno returns the highest seqno received from the peer
func (p *Peer) ConfirmSeqno() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmSeqno
}

// HasChannel reports whether a session channel is established
func (p *Peer) HasChannel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil
}

// AddressList returns the last address list the peer announced
func (p *Peer) AddressList() *protocol.AddressList {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrList
}

// Stats returns a snapshot of the peer's state
func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PeerStats{
		ID:           p.id.String(),
		Seqno:        p.seqno,
		ConfirmSeqno: p.confirmSeqno,
		ReinitDate:   p.reinitDate,
		Channel:      p.channel != nil,
		LastSeen:     p.lastSeen,
	}
	if p.addr != nil {
		s.Address = p.addr.String()
	}
	return s
}

// outgoing reserves the next seqno and returns the counters a packet
// carries
func (p *Peer) outgoing() (seqno, confirm int64, dstReinit int32, ch *channel.Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqno++
	return p.seqno, p.confirmSeqno, p.reinitDate, p.channel
}

// observe records the counters of an accepted inbound packet. The
// confirm seqno only ever grows.
func (p *Peer) observe(seqno int64, addr net.Addr, list *protocol.AddressList) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seqno > p.confirmSeqno {
		p.confirmSeqno = seqno
	}
	if addr != nil {
		p.addr = addr
	}
	if list != nil && (p.addrList == nil || list.Version >= p.addrList.Version) {
		p.addrList = list
	}
	p.lastSeen = time.Now()
}

// checkReinit applies the peer's reinit date. It returns false if the
// packet belongs to an older incarnation of the peer. A newer date resets
// the session and returns the channel that was torn down.
func (p *Peer) checkReinit(date int32) (bool, *channel.Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if date < p.reinitDate {
		return false, nil
	}
	if date == p.reinitDate {
		return true, nil
	}

	restarted := p.reinitDate != 0
	p.reinitDate = date
	if !restarted {
		return true, nil
	}
	dropped := p.channel
	p.seqno = 0
	p.confirmSeqno = 0
	p.channel = nil
	p.proposed = nil
	if dropped != nil {
		p.ready = make(chan struct{})
	}
	return true, dropped
}

func (p *Peer) currentChannel() *channel.Pair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// installChannel replaces the session channel and returns the previous one
func (p *Peer) installChannel(pair *channel.Pair) *channel.Pair {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.channel
	p.channel = pair
	p.proposed = nil
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
	return prev
}

// channelReady is closed once a channel is installed
func (p *Peer) channelReady() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// propose returns the ephemeral key offered in CreateChannel, generating
// one if none is outstanding
func (p *Peer) propose() (*crypto.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proposed != nil {
		return p.proposed, nil
	}
	eph, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	p.proposed = eph
	return eph, nil
}

func (p *Peer) proposal() *crypto.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposed
}
