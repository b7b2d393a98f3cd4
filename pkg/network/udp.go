package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZentaChain/adnl/pkg/channel"
	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/fragment"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/tl"
)

const (
	maxDatagramSize      = 65535
	channelRetryInterval = time.Second

	// recipient key-id, sender key, checksum
	identityHeaderSize = crypto.KeyIDSize + ed25519.PublicKeySize + sha256.Size
)

// UDPTransport exchanges ADNL packets with many peers over one datagram
// socket. Packets are sealed with the peer's identity key until a channel
// is negotiated, then with the channel keys.
type UDPTransport struct {
	id         *crypto.Identity
	opts       options
	reg        *tl.Registry
	logger     *zap.Logger
	metrics    *Metrics
	handlers   *Handlers
	dispatcher *Dispatcher
	reinitDate int32

	writeMu sync.Mutex

	mu           sync.RWMutex
	conn         net.PacketConn
	peers        map[crypto.KeyID]*Peer
	channels     map[crypto.KeyID]*Peer
	onDisconnect func(error)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// TransportStats is a snapshot of a UDP transport
type TransportStats struct {
	LocalAddr  string `json:"local_addr"`
	KeyID      string `json:"key_id"`
	ReinitDate int32  `json:"reinit_date"`
	Peers      int    `json:"peers"`
	Channels   int    `json:"channels"`
	Pending    int    `json:"pending"`
	Partial    int    `json:"partial_messages"`
}

// NewUDPTransport creates a transport for the local identity. It does not
// touch the network until Listen or Serve.
func NewUDPTransport(id *crypto.Identity, opts ...Option) (*UDPTransport, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: nil identity", crypto.ErrInvalidKey)
	}

	o := buildOptions(opts)
	if o.mtu <= 0 || o.mtu > fragment.HugePacketMaxSize {
		return nil, fmt.Errorf("%w: %d", fragment.ErrInvalidMTU, o.mtu)
	}
	if o.registry == nil {
		reg, err := protocol.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to build registry: %w", err)
		}
		o.registry = reg
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}

	t := &UDPTransport{
		id:         id,
		opts:       o,
		reg:        o.registry,
		logger:     o.logger.With(zap.String("transport", "udp")),
		metrics:    o.metrics,
		handlers:   newHandlers(),
		reinitDate: int32(time.Now().Unix()),
		peers:      make(map[crypto.KeyID]*Peer),
		channels:   make(map[crypto.KeyID]*Peer),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	t.dispatcher = newDispatcher("udp", t.handlers, semaphore.NewWeighted(int64(o.workers)), o)
	t.dispatcher.logger = t.logger
	t.dispatcher.control = t.handleControl
	return t, nil
}

// Listen opens a UDP socket on addr and starts reading from it
func (t *UDPTransport) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := t.Serve(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Serve starts reading from an existing packet connection and returns
// immediately
func (t *UDPTransport) Serve(conn net.PacketConn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if t.conn != nil {
		return ErrAlreadyStarted
	}
	t.conn = conn

	t.logger.Info("ADNL UDP transport started",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("key_id", t.id.KeyID().String()))

	go t.readLoop(conn)
	return nil
}

// LocalAddr returns the socket address, or nil before Serve
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Identity returns the local identity
func (t *UDPTransport) Identity() *crypto.Identity { return t.id }

// HandleQuery registers a query handler by payload TL type
func (t *UDPTransport) HandleQuery(name string, h QueryHandler) { t.handlers.HandleQuery(name, h) }

// HandleCustom registers a custom message handler by payload TL type
func (t *UDPTransport) HandleCustom(name string, h CustomHandler) { t.handlers.HandleCustom(name, h) }

// OnDisconnect sets a callback invoked when the socket fails
func (t *UDPTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// AddPeer registers a peer reachable at addr. Adding a known key updates
// its address.
func (t *UDPTransport) AddPeer(addr string, key ed25519.PublicKey) (*Peer, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", crypto.ErrInvalidKey, ed25519.PublicKeySize)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	peer, err := newPeer(t.id, key, udpAddr)
	if err != nil {
		return nil, err
	}
	peer = t.adopt(peer)
	peer.observe(0, udpAddr, nil)
	return peer, nil
}

// Peer returns a known peer by key-id
func (t *UDPTransport) Peer(id crypto.KeyID) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// Peers returns every known peer
func (t *UDPTransport) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

// adopt inserts peer unless one with the same key-id exists, returning the
// stored one
func (t *UDPTransport) adopt(peer *Peer) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[peer.id]; ok {
		return existing
	}
	t.peers[peer.id] = peer
	t.metrics.connectionOpened("udp")
	return peer
}

// Connect negotiates a session channel with peer. CreateChannel is resent
// every second until the peer confirms or the query timeout passes.
func (t *UDPTransport) Connect(ctx context.Context, peer *Peer) error {
	ready := peer.channelReady()
	select {
	case <-ready:
		return nil
	default:
	}

	eph, err := peer.propose()
	if err != nil {
		return fmt.Errorf("failed to generate channel key: %w", err)
	}
	create := &protocol.CreateChannel{Key: eph.PublicKey(), Date: int32(time.Now().Unix())}

	deadline := time.NewTimer(t.opts.queryTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(channelRetryInterval)
	defer retry.Stop()

	for {
		if err := t.sendPacket(peer, true, create); err != nil {
			return err
		}
		select {
		case <-ready:
			t.logger.Debug("Channel established", zap.String("peer", peer.id.String()))
			return nil
		case <-retry.C:
		case <-deadline.C:
			return fmt.Errorf("%w: no channel confirmation from %s", ErrTimeout, peer.id)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrClosed
		}
	}
}

// Ping sends a ping to peer and returns the round trip time
func (t *UDPTransport) Ping(ctx context.Context, peer *Peer) (time.Duration, error) {
	value, err := randomInt64()
	if err != nil {
		return 0, err
	}
	ch, err := t.dispatcher.expectPong(value, peer.id.String())
	if err != nil {
		return 0, err
	}
	if err := t.send(ctx, peer, &protocol.Ping{Value: value}); err != nil {
		t.dispatcher.pings.remove(value)
		return 0, err
	}
	return t.dispatcher.awaitPong(ctx, value, ch, t.opts.pingTimeout)
}

// Query sends payload as a query to peer and waits for the answer
func (t *UDPTransport) Query(ctx context.Context, peer *Peer, payload []byte) ([]byte, error) {
	id, err := protocol.NewQueryID()
	if err != nil {
		return nil, err
	}
	ch, err := t.dispatcher.expectAnswer(id, peer.id.String())
	if err != nil {
		return nil, err
	}
	if err := t.send(ctx, peer, &protocol.Query{ID: id, Payload: payload}); err != nil {
		t.dispatcher.queries.remove(id)
		return nil, err
	}
	return t.dispatcher.awaitAnswer(ctx, id, ch, t.opts.queryTimeout)
}

// SendCustom sends a one-way custom message to peer
func (t *UDPTransport) SendCustom(ctx context.Context, peer *Peer, payload []byte) error {
	return t.send(ctx, peer, &protocol.Custom{Payload: payload})
}

// send serializes msg and fragments it when it exceeds the MTU. Every
// part travels in its own packet.
func (t *UDPTransport) send(ctx context.Context, peer *Peer, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.EncodeMessage(t.reg, msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.TypeName(), err)
	}
	if len(data) <= t.opts.mtu {
		return t.sendPacket(peer, false, msg)
	}

	parts, err := fragment.Split(data, t.opts.mtu)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := t.sendPacket(peer, false, part); err != nil {
			return err
		}
	}
	return nil
}

// sendPacket wraps msgs into one packet. viaIdentity forces a signed
// packet sealed with the identity key even when a channel exists.
func (t *UDPTransport) sendPacket(peer *Peer, viaIdentity bool, msgs ...protocol.Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	seqno, confirm, dstReinit, pair := peer.outgoing()
	pc := &protocol.PacketContents{
		Rand1:         protocol.RandomPadding(),
		Messages:      msgs,
		Seqno:         protocol.Int64(seqno),
		ConfirmSeqno:  protocol.Int64(confirm),
		ReinitDate:    protocol.Int32(t.reinitDate),
		DstReinitDate: protocol.Int32(dstReinit),
		Rand2:         protocol.RandomPadding(),
	}

	var wire []byte
	if pair != nil && !viaIdentity {
		body, err := pc.Marshal(t.reg)
		if err != nil {
			return fmt.Errorf("failed to serialize packet: %w", err)
		}
		if wire, err = pair.Out.Encrypt(body); err != nil {
			return err
		}
	} else {
		pc.Address = t.addressList()
		if err := pc.Sign(t.reg, t.id); err != nil {
			return err
		}
		body, err := pc.Marshal(t.reg)
		if err != nil {
			return fmt.Errorf("failed to serialize packet: %w", err)
		}
		sealed, err := channel.Seal(peer.shared, body)
		if err != nil {
			return err
		}
		wire = make([]byte, 0, crypto.KeyIDSize+ed25519.PublicKeySize+len(sealed))
		wire = append(wire, peer.id[:]...)
		wire = append(wire, t.id.PublicKey()...)
		wire = append(wire, sealed...)
	}

	return t.write(wire, peer.Addr())
}

func (t *UDPTransport) write(wire []byte, addr net.Addr) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotReady
	}
	if addr == nil {
		return fmt.Errorf("%w: peer has no address", ErrUnknownPeer)
	}

	t.writeMu.Lock()
	_, err := conn.WriteTo(wire, addr)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	t.metrics.sent("udp")
	return nil
}

func (t *UDPTransport) addressList() *protocol.AddressList {
	return &protocol.AddressList{
		Addrs:      t.opts.addresses,
		Version:    t.reinitDate,
		ReinitDate: t.reinitDate,
	}
}

func (t *UDPTransport) readLoop(conn net.PacketConn) {
	defer close(t.done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.logger.Error("UDP read failed", zap.Error(err))
			t.shutdown(fmt.Errorf("%w: %v", ErrUnexpectedClose, err))
			return
		}

		t.metrics.received("udp")
		packet := make([]byte, n)
		copy(packet, buf[:n])
		t.handlePacket(packet, addr)
	}
}

// handlePacket authenticates one datagram and dispatches its messages.
// Anything that fails a check is dropped silently.
func (t *UDPTransport) handlePacket(data []byte, addr net.Addr) {
	if len(data) < channel.HeaderSize {
		t.drop("short", addr, nil)
		return
	}

	var dst crypto.KeyID
	copy(dst[:], data[:crypto.KeyIDSize])

	var (
		peer     *Peer
		contents *protocol.PacketContents
		reason   string
		err      error
	)
	if dst == t.id.KeyID() {
		peer, contents, reason, err = t.openIdentityPacket(data)
	} else {
		peer, contents, reason, err = t.openChannelPacket(dst, data)
	}
	if reason != "" {
		t.drop(reason, addr, err)
		return
	}

	if d := contents.DstReinitDate; d != nil && *d != 0 && *d != t.reinitDate {
		if *d < t.reinitDate {
			// The peer still talks to our previous incarnation
			t.drop("old_reinit_date", addr, nil)
			if err := t.sendPacket(peer, true, &protocol.Nop{}); err != nil {
				t.logger.Debug("Failed to announce reinit date", zap.Error(err))
			}
			return
		}
		t.drop("future_reinit_date", addr, nil)
		return
	}
	if contents.ReinitDate != nil {
		ok, dropped := peer.checkReinit(*contents.ReinitDate)
		if !ok {
			t.drop("stale_peer_reinit", addr, nil)
			return
		}
		if dropped != nil {
			t.forgetChannel(peer, dropped)
			t.logger.Info("Peer restarted, session reset", zap.String("peer", peer.id.String()))
		}
	}

	var seqno int64
	if contents.Seqno != nil {
		seqno = *contents.Seqno
	}
	peer.observe(seqno, addr, contents.Address)

	src := udpSource{t: t, peer: peer}
	for _, msg := range contents.Messages {
		t.dispatcher.Dispatch(src, msg)
	}
}

func (t *UDPTransport) openIdentityPacket(data []byte) (*Peer, *protocol.PacketContents, string, error) {
	if len(data) < identityHeaderSize {
		return nil, nil, "short", nil
	}
	key := ed25519.PublicKey(bytes.Clone(data[crypto.KeyIDSize : crypto.KeyIDSize+ed25519.PublicKeySize]))

	peer, ok := t.Peer(crypto.KeyIDOf(key))
	if !ok {
		var err error
		if peer, err = newPeer(t.id, key, nil); err != nil {
			return nil, nil, "bad_sender_key", err
		}
	}

	body, err := channel.Open(peer.shared, data[crypto.KeyIDSize+ed25519.PublicKeySize:])
	if err != nil {
		return nil, nil, "integrity", err
	}
	contents, err := protocol.UnmarshalPacketContents(t.reg, body)
	if err != nil {
		return nil, nil, "decode", err
	}
	if !bytes.Equal(contents.From, key) {
		return nil, nil, "sender_mismatch", nil
	}
	if err := contents.VerifySignature(t.reg); err != nil {
		return nil, nil, "signature", err
	}

	if !ok {
		peer = t.adopt(peer)
	}
	return peer, contents, "", nil
}

func (t *UDPTransport) openChannelPacket(dst crypto.KeyID, data []byte) (*Peer, *protocol.PacketContents, string, error) {
	t.mu.RLock()
	peer, ok := t.channels[dst]
	t.mu.RUnlock()
	if !ok {
		return nil, nil, "unknown_recipient", nil
	}
	pair := peer.currentChannel()
	if pair == nil || pair.In.ID() != dst {
		return nil, nil, "unknown_recipient", nil
	}

	body, err := pair.In.Decrypt(data)
	if err != nil {
		return nil, nil, "integrity", err
	}
	contents, err := protocol.UnmarshalPacketContents(t.reg, body)
	if err != nil {
		return nil, nil, "decode", err
	}
	if len(contents.From) > 0 {
		if !bytes.Equal(contents.From, peer.key) {
			return nil, nil, "sender_mismatch", nil
		}
		if len(contents.Signature) > 0 {
			if err := contents.VerifySignature(t.reg); err != nil {
				return nil, nil, "signature", err
			}
		}
	}
	return peer, contents, "", nil
}

func (t *UDPTransport) drop(reason string, addr net.Addr, err error) {
	t.metrics.dropped("udp", reason)
	fields := []zap.Field{zap.String("reason", reason)}
	if addr != nil {
		fields = append(fields, zap.String("from", addr.String()))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	t.logger.Debug("Dropping packet", fields...)
}

// handleControl runs channel negotiation
func (t *UDPTransport) handleControl(_ context.Context, src source, msg protocol.Message) {
	s, ok := src.(udpSource)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case *protocol.CreateChannel:
		t.acceptChannel(s.peer, m)
	case *protocol.ConfirmChannel:
		t.confirmChannel(s.peer, m)
	default:
		t.logger.Debug("Ignoring message", zap.String("type", msg.TypeName()), zap.String("peer", s.peerID()))
	}
}

func (t *UDPTransport) acceptChannel(peer *Peer, m *protocol.CreateChannel) {
	if len(m.Key) != ed25519.PublicKeySize {
		t.drop("bad_channel_key", nil, nil)
		return
	}
	remote := ed25519.PublicKey(m.Key)

	pair := peer.currentChannel()
	if pair == nil || !bytes.Equal(pair.RemoteKey, remote) {
		// An outstanding proposal is reused so simultaneous CreateChannel
		// messages converge on the same keys
		eph, err := peer.propose()
		if err != nil {
			t.logger.Warn("Failed to generate channel key", zap.Error(err))
			return
		}
		if pair, err = channel.Negotiate(eph, remote, t.id.KeyID(), peer.id); err != nil {
			t.drop("bad_channel_key", nil, err)
			return
		}
		t.installChannel(peer, pair)
	}

	confirm := &protocol.ConfirmChannel{
		Key:     pair.LocalKey,
		PeerKey: remote,
		Date:    int32(time.Now().Unix()),
	}
	if err := t.sendPacket(peer, true, confirm); err != nil {
		t.logger.Debug("Failed to confirm channel", zap.String("peer", peer.id.String()), zap.Error(err))
	}
}

func (t *UDPTransport) confirmChannel(peer *Peer, m *protocol.ConfirmChannel) {
	eph := peer.proposal()
	if eph == nil || !bytes.Equal(eph.PublicKey(), m.PeerKey) {
		if cur := peer.currentChannel(); cur != nil &&
			bytes.Equal(cur.LocalKey, m.PeerKey) && bytes.Equal(cur.RemoteKey, m.Key) {
			return
		}
		t.drop("unexpected_confirm", nil, nil)
		return
	}
	if len(m.Key) != ed25519.PublicKeySize {
		t.drop("bad_channel_key", nil, nil)
		return
	}

	pair, err := channel.Negotiate(eph, ed25519.PublicKey(m.Key), t.id.KeyID(), peer.id)
	if err != nil {
		t.drop("bad_channel_key", nil, err)
		return
	}
	t.installChannel(peer, pair)
}

func (t *UDPTransport) installChannel(peer *Peer, pair *channel.Pair) {
	prev := peer.installChannel(pair)

	t.mu.Lock()
	if prev != nil {
		delete(t.channels, prev.In.ID())
	}
	t.channels[pair.In.ID()] = peer
	t.mu.Unlock()
}

func (t *UDPTransport) forgetChannel(peer *Peer, pair *channel.Pair) {
	t.mu.Lock()
	if t.channels[pair.In.ID()] == peer {
		delete(t.channels, pair.In.ID())
	}
	t.mu.Unlock()
}

// Stats returns a snapshot of the transport
func (t *UDPTransport) Stats() TransportStats {
	s := TransportStats{
		KeyID:      t.id.KeyID().String(),
		ReinitDate: t.reinitDate,
		Pending:    t.dispatcher.Pending(),
		Partial:    t.dispatcher.parts.Pending(),
	}
	if addr := t.LocalAddr(); addr != nil {
		s.LocalAddr = addr.String()
	}

	t.mu.RLock()
	s.Peers = len(t.peers)
	s.Channels = len(t.channels)
	t.mu.RUnlock()
	return s
}

// Close stops the transport and fails every pending request with ErrClosed
func (t *UDPTransport) Close() error {
	err := t.shutdown(nil)

	t.mu.RLock()
	started := t.conn != nil
	t.mu.RUnlock()
	if started {
		<-t.done
	}
	return err
}

func (t *UDPTransport) shutdown(cause error) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.RLock()
		conn := t.conn
		onDisconnect := t.onDisconnect
		t.mu.RUnlock()

		if conn != nil {
			err = conn.Close()
		}
		t.dispatcher.close(ErrClosed)

		// the reader calls shutdown and Close waits for the reader
		if cause != nil && onDisconnect != nil {
			go onDisconnect(cause)
		}
		t.logger.Info("ADNL UDP transport stopped")
	})
	return err
}

type udpSource struct {
	t    *UDPTransport
	peer *Peer
}

func (s udpSource) peerID() string { return s.peer.id.String() }

// Packets are either signed by this key or arrive on its channel
func (s udpSource) authKey() ed25519.PublicKey { return s.peer.key }

func (s udpSource) reply(ctx context.Context, msg protocol.Message) error {
	return s.t.send(ctx, s.peer, msg)
}

func randomInt64() (int64, error) {
	b, err := crypto.RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}
