package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/handshake"
	"github.com/ZentaChain/adnl/pkg/protocol"
)

// authNonceSize is the length of each half of the authentication nonce
const authNonceSize = 32

// TCPClient is a client connection to an ADNL TCP server such as a
// liteserver
type TCPClient struct {
	conn      *streamConn
	id        *crypto.Identity
	serverKey ed25519.PublicKey
	addr      string
	opts      options
	logger    *zap.Logger

	authMu sync.Mutex
	authCh chan []byte

	opened atomic.Bool

	mu           sync.Mutex
	onDisconnect func(error)
}

// DialTCP connects to addr, performs the handshake addressed to serverKey
// and waits for the server's empty confirmation frame
func DialTCP(ctx context.Context, addr string, serverKey ed25519.PublicKey, opts ...Option) (*TCPClient, error) {
	if len(serverKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: server key must be %d bytes", crypto.ErrInvalidKey, ed25519.PublicKeySize)
	}

	o := buildOptions(opts)
	if o.registry == nil {
		reg, err := protocol.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to build registry: %w", err)
		}
		o.registry = reg
	}
	id := o.identity
	if id == nil {
		var err error
		if id, err = crypto.GenerateIdentity(); err != nil {
			return nil, err
		}
	}

	hs, err := handshake.NewClientHandshake(id, serverKey)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: o.handshakeTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}

	c := &TCPClient{
		id:        id,
		serverKey: serverKey,
		addr:      addr,
		opts:      o,
		logger:    o.logger.With(zap.String("server", addr)),
		authCh:    make(chan []byte, 1),
	}
	c.conn = newStreamConn(raw, hs.Keys(), newHandlers(), semaphore.NewWeighted(int64(max(o.workers, 1))), o)
	c.conn.setState(StateHandshaking)
	c.conn.dispatcher.control = c.handleControl
	c.conn.onClose = c.handleClose

	if _, err := raw.Write(hs.Packet()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: failed to send handshake: %v", ErrConnectFailed, err)
	}
	go c.conn.readLoop()

	timer := time.NewTimer(o.handshakeTimeout)
	defer timer.Stop()

	select {
	case <-c.conn.confirmed:
	case <-c.conn.done():
		return nil, fmt.Errorf("%w: %s closed the connection during handshake", ErrConnectFailed, addr)
	case <-timer.C:
		c.conn.close(nil)
		return nil, fmt.Errorf("%w: no confirmation from %s", ErrHandshakeTimeout, addr)
	case <-ctx.Done():
		c.conn.close(nil)
		return nil, ctx.Err()
	}

	if !c.conn.transition(StateConfirmed, StateReady) {
		return nil, ErrClosed
	}
	c.conn.metrics.connectionOpened("tcp")
	c.opened.Store(true)
	c.logger.Debug("Connected", zap.String("local_key_id", id.KeyID().String()))

	if o.keepalive > 0 {
		go c.keepalive(o.keepalive)
	}
	return c, nil
}

// Authenticate proves ownership of key to the server
func (c *TCPClient) Authenticate(ctx context.Context, key *crypto.Identity) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if !c.conn.transition(StateReady, StateAuthenticating) {
		if c.conn.State() == StateClosed {
			return ErrClosed
		}
		return ErrNotReady
	}
	defer c.conn.transition(StateAuthenticating, StateReady)

	clientNonce, err := crypto.RandomBytes(authNonceSize)
	if err != nil {
		return err
	}
	select {
	case <-c.authCh:
	default:
	}

	if err := c.conn.send(ctx, &protocol.AuthRequest{Nonce: clientNonce}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.queryTimeout)
	defer timer.Stop()

	var serverNonce []byte
	select {
	case serverNonce = <-c.authCh:
	case <-timer.C:
		return fmt.Errorf("%w: no authentication nonce", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.done():
		return ErrClosed
	}

	signed := make([]byte, 0, len(clientNonce)+len(serverNonce))
	signed = append(signed, clientNonce...)
	signed = append(signed, serverNonce...)

	return c.conn.send(ctx, &protocol.AuthComplete{
		Key:       key.PublicKey(),
		Signature: key.Sign(signed),
	})
}

// Query sends payload and waits for the answer
func (c *TCPClient) Query(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.conn.usable(); err != nil {
		return nil, err
	}

	id, err := protocol.NewQueryID()
	if err != nil {
		return nil, err
	}
	ch, err := c.conn.dispatcher.expectAnswer(id, "")
	if err != nil {
		return nil, err
	}
	if err := c.conn.send(ctx, &protocol.Query{ID: id, Payload: payload}); err != nil {
		c.conn.dispatcher.queries.remove(id)
		return nil, err
	}
	return c.conn.dispatcher.awaitAnswer(ctx, id, ch, c.opts.queryTimeout)
}

// Ping measures the round trip time to the server
func (c *TCPClient) Ping(ctx context.Context) (time.Duration, error) {
	if err := c.conn.usable(); err != nil {
		return 0, err
	}

	value, err := randomInt64()
	if err != nil {
		return 0, err
	}
	ch, err := c.conn.dispatcher.expectPong(value, "")
	if err != nil {
		return 0, err
	}
	if err := c.conn.send(ctx, &protocol.Ping{Value: value}); err != nil {
		c.conn.dispatcher.pings.remove(value)
		return 0, err
	}
	return c.conn.dispatcher.awaitPong(ctx, value, ch, c.opts.pingTimeout)
}

func (c *TCPClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.conn.done():
			return
		case <-ticker.C:
			if _, err := c.Ping(context.Background()); err != nil {
				if c.conn.State() == StateClosed {
					return
				}
				c.conn.close(fmt.Errorf("%w: keepalive failed: %v", ErrUnexpectedClose, err))
				return
			}
		}
	}
}

func (c *TCPClient) handleControl(_ context.Context, _ source, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.AuthNonce:
		select {
		case c.authCh <- bytes.Clone(m.Nonce):
		default:
		}
	default:
		c.logger.Debug("Ignoring message", zap.String("type", msg.TypeName()))
	}
}

func (c *TCPClient) handleClose(cause error) {
	if c.opened.Load() {
		c.conn.metrics.connectionClosed("tcp")
	}

	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if cause != nil && fn != nil {
		fn(cause)
	}
}

// OnDisconnect sets a callback for connections lost without Close
func (c *TCPClient) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// State returns the connection state
func (c *TCPClient) State() ConnState { return c.conn.State() }

// IsConnected reports whether the connection is still open
func (c *TCPClient) IsConnected() bool { return c.conn.State() != StateClosed }

// Addr returns the server address
func (c *TCPClient) Addr() string { return c.addr }

// ServerKey returns the server's public key
func (c *TCPClient) ServerKey() ed25519.PublicKey { return c.serverKey }

// Identity returns the key the handshake was made with
func (c *TCPClient) Identity() *crypto.Identity { return c.id }

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *TCPClient) Close() error {
	c.conn.close(nil)
	return nil
}
