package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/handshake"
	"github.com/ZentaChain/adnl/pkg/protocol"
)

// TCPServer accepts ADNL TCP connections addressed to its identity and
// serves queries with the registered handlers
type TCPServer struct {
	id       *crypto.Identity
	opts     options
	logger   *zap.Logger
	handlers *Handlers
	workers  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[*streamConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// ServerStats is a snapshot of a TCP server
type ServerStats struct {
	Addr          string `json:"addr"`
	KeyID         string `json:"key_id"`
	Connections   int    `json:"connections"`
	Authenticated int    `json:"authenticated"`
}

// NewTCPServer creates a server for the local identity
func NewTCPServer(id *crypto.Identity, opts ...Option) (*TCPServer, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: nil identity", crypto.ErrInvalidKey)
	}

	o := buildOptions(opts)
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

	return &TCPServer{
		id:       id,
		opts:     o,
		logger:   o.logger.With(zap.String("transport", "tcp")),
		handlers: newHandlers(),
		workers:  semaphore.NewWeighted(int64(o.workers)),
		conns:    make(map[*streamConn]struct{}),
	}, nil
}

// HandleQuery registers a query handler by payload TL type
func (s *TCPServer) HandleQuery(name string, h QueryHandler) { s.handlers.HandleQuery(name, h) }

// HandleCustom registers a custom message handler by payload TL type
func (s *TCPServer) HandleCustom(name string, h CustomHandler) { s.handlers.HandleCustom(name, h) }

// Listen starts accepting connections on addr
func (s *TCPServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.Serve(ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// Serve accepts connections from an existing listener in the background
func (s *TCPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return ErrAlreadyStarted
	}
	s.listener = ln

	s.logger.Info("ADNL TCP server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("key_id", crypto.TLKeyIDOf(s.id.PublicKey()).String()))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listening address, or nil before Serve
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("Accept failed", zap.Error(err))
			}
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(raw net.Conn) {
	defer s.wg.Done()

	raw.SetReadDeadline(time.Now().Add(s.opts.handshakeTimeout))
	packet := make([]byte, handshake.PacketSize)
	if _, err := io.ReadFull(raw, packet); err != nil {
		s.logger.Debug("Failed to read handshake", zap.String("remote", raw.RemoteAddr().String()), zap.Error(err))
		raw.Close()
		return
	}

	keys, clientKey, err := handshake.ReadServerHandshake(s.id, packet)
	if err != nil {
		s.opts.metrics.dropped("tcp", "handshake")
		s.logger.Debug("Rejecting handshake", zap.String("remote", raw.RemoteAddr().String()), zap.Error(err))
		raw.Close()
		return
	}
	raw.SetReadDeadline(time.Time{})

	c := newStreamConn(raw, keys, s.handlers, s.workers, s.opts)
	c.setState(StateConfirmed)
	c.dispatcher.control = func(ctx context.Context, _ source, msg protocol.Message) {
		s.handleAuth(ctx, c, msg)
	}
	c.onClose = func(error) { s.remove(c) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.opts.metrics.connectionOpened("tcp")

	if err := c.writeFrame(context.Background(), nil); err != nil {
		c.close(err)
		return
	}
	c.transition(StateConfirmed, StateReady)
	c.logger.Debug("Client connected", zap.String("client_key_id", crypto.KeyIDOf(clientKey).String()))

	c.readLoop()
}

// handleAuth runs the server side of the authentication exchange
func (s *TCPServer) handleAuth(ctx context.Context, c *streamConn, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.AuthRequest:
		serverNonce, err := crypto.RandomBytes(authNonceSize)
		if err != nil {
			c.logger.Error("Failed to generate nonce", zap.Error(err))
			return
		}
		signed := make([]byte, 0, len(m.Nonce)+len(serverNonce))
		signed = append(signed, m.Nonce...)
		signed = append(signed, serverNonce...)
		c.setAuthNonce(signed)

		if err := c.send(ctx, &protocol.AuthNonce{Nonce: serverNonce}); err != nil {
			c.logger.Debug("Failed to send authentication nonce", zap.Error(err))
		}

	case *protocol.AuthComplete:
		signed := c.takeAuthNonce()
		if signed == nil {
			c.metrics.dropped("tcp", "unexpected_auth")
			return
		}
		if !crypto.Verify(m.Key, signed, m.Signature) {
			c.logger.Warn("Client failed authentication")
			c.close(ErrAuthFailed)
			return
		}
		c.setAuth(bytes.Clone(m.Key))
		c.logger.Info("Client authenticated", zap.String("key_id", crypto.KeyIDOf(m.Key).String()))

	default:
		c.logger.Debug("Ignoring message", zap.String("type", msg.TypeName()))
	}
}

func (s *TCPServer) remove(c *streamConn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.opts.metrics.connectionClosed("tcp")
	}
}

// Stats returns a snapshot of the server
func (s *TCPServer) Stats() ServerStats {
	st := ServerStats{KeyID: crypto.TLKeyIDOf(s.id.PublicKey()).String()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		st.Addr = s.listener.Addr().String()
	}
	st.Connections = len(s.conns)
	for c := range s.conns {
		if c.authKey() != nil {
			st.Authenticated++
		}
	}
	return st
}

// Close stops accepting, closes every connection and waits for the
// connection goroutines to exit
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*streamConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.close(nil)
	}
	s.wg.Wait()

	s.logger.Info("ADNL TCP server stopped")
	return err
}
