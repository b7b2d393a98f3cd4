package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/handshake"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/tl"
)

// streamConn is one encrypted TCP session after the handshake. Client and
// server share it: a single reader goroutine decodes frames while writers
// serialize on writeMu because both directions use a running cipher.
type streamConn struct {
	conn       net.Conn
	keys       *handshake.Keys
	reg        *tl.Registry
	logger     *zap.Logger
	metrics    *Metrics
	dispatcher *Dispatcher
	remote     string

	writeMu sync.Mutex
	state   atomic.Int32

	confirmOnce sync.Once
	confirmed   chan struct{}

	authMu    sync.Mutex
	auth      ed25519.PublicKey
	authNonce []byte

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(error)
}

func newStreamConn(raw net.Conn, keys *handshake.Keys, handlers *Handlers, workers *semaphore.Weighted, o options) *streamConn {
	remote := raw.RemoteAddr().String()
	o.logger = o.logger.With(zap.String("transport", "tcp"), zap.String("remote", remote))

	c := &streamConn{
		conn:      raw,
		keys:      keys,
		reg:       o.registry,
		logger:    o.logger,
		metrics:   o.metrics,
		remote:    remote,
		confirmed: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	c.dispatcher = newDispatcher("tcp", handlers, workers, o)
	return c
}

func (c *streamConn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *streamConn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// transition moves from one state to another and reports whether the
// connection was in from
func (c *streamConn) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// usable reports whether requests may be sent
func (c *streamConn) usable() error {
	switch c.State() {
	case StateReady, StateAuthenticating:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (c *streamConn) writeFrame(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := protocol.WriteFrame(c.conn, c.keys.Write, payload); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
		// A partial write leaves the cipher streams out of step
		go c.close(fmt.Errorf("%w: %v", ErrUnexpectedClose, err))
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.metrics.sent("tcp")
	return nil
}

func (c *streamConn) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.EncodeMessage(c.reg, msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.TypeName(), err)
	}
	return c.writeFrame(ctx, data)
}

func (c *streamConn) readLoop() {
	for {
		payload, err := protocol.ReadFrame(c.conn, c.keys.Read)
		if err != nil {
			if errors.Is(err, crypto.ErrIntegrityCheckFailed) {
				c.metrics.dropped("tcp", "integrity")
				c.logger.Debug("Dropping frame with bad checksum")
				continue
			}
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.close(ErrUnexpectedClose)
			} else {
				c.close(fmt.Errorf("%w: %w", ErrUnexpectedClose, err))
			}
			return
		}
		c.metrics.received("tcp")

		if len(payload) == 0 {
			c.confirmOnce.Do(func() {
				c.transition(StateHandshaking, StateConfirmed)
				close(c.confirmed)
			})
			continue
		}

		msg, err := protocol.DecodeMessage(c.reg, payload)
		if err != nil {
			c.metrics.dropped("tcp", "decode")
			c.logger.Debug("Dropping undecodable frame", zap.Error(err))
			continue
		}
		c.dispatcher.Dispatch(c, msg)
	}
}

// close tears the connection down once. A nil cause is a deliberate close:
// pending requests fail with ErrClosed, otherwise with ErrUnexpectedClose.
// onClose runs after the teardown so it may call close again.
func (c *streamConn) close(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.setState(StateClosed)
		close(c.closed)
		c.conn.Close()

		failWith := ErrClosed
		if cause != nil {
			failWith = ErrUnexpectedClose
			c.logger.Warn("Connection lost", zap.Error(cause))
		}
		c.dispatcher.close(failWith)
	})

	if first && c.onClose != nil {
		c.onClose(cause)
	}
}

func (c *streamConn) done() <-chan struct{} { return c.closed }

func (c *streamConn) peerID() string { return c.remote }

func (c *streamConn) authKey() ed25519.PublicKey {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.auth
}

func (c *streamConn) reply(ctx context.Context, msg protocol.Message) error {
	return c.send(ctx, msg)
}

func (c *streamConn) setAuth(key ed25519.PublicKey) {
	c.authMu.Lock()
	c.auth = key
	c.authMu.Unlock()
}

// setAuthNonce stores the bytes the client must sign
func (c *streamConn) setAuthNonce(nonce []byte) {
	c.authMu.Lock()
	c.authNonce = nonce
	c.authMu.Unlock()
}

func (c *streamConn) takeAuthNonce() []byte {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	n := c.authNonce
	c.authNonce = nil
	return n
}
