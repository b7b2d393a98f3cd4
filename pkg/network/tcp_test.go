package network

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/tl"
)

func newTCPServer(t *testing.T, reg *tl.Registry, opts ...Option) *TCPServer {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	s, err := NewTCPServer(id, append([]Option{WithRegistry(reg)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(func() { s.Close() })
	return s
}

func dialServer(t *testing.T, s *TCPServer, opts ...Option) *TCPClient {
	t.Helper()
	c, err := DialTCP(context.Background(), s.Addr().String(), s.id.PublicKey(),
		append([]Option{WithRegistry(s.opts.registry)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTCPHandshakeAndPing(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))
	c := dialServer(t, s)

	assert.Equal(t, StateReady, c.State())

	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)

	require.Eventually(t, func() bool { return s.Stats().Connections == 1 }, time.Second, time.Millisecond)
}

func TestTCPQueryEcho(t *testing.T) {
	reg := testRegistry(t)
	s := newTCPServer(t, reg)
	s.HandleQuery("echo.request", echoHandler(reg))
	c := dialServer(t, s)

	answer, err := c.Query(context.Background(), echoRequest(t, reg, "liteserver"))
	require.NoError(t, err)

	text, err := decodeText(reg, answer)
	require.NoError(t, err)
	assert.Equal(t, "liteserver", text)
}

func TestTCPConcurrentQueries(t *testing.T) {
	reg := testRegistry(t)
	s := newTCPServer(t, reg)
	s.HandleQuery("echo.request", echoHandler(reg))
	c := dialServer(t, s)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			want := hex.EncodeToString([]byte{byte(i)})
			answer, err := c.Query(context.Background(), echoRequest(t, reg, want))
			if err != nil {
				return err
			}
			got, err := decodeText(reg, answer)
			if err != nil {
				return err
			}
			if got != want {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestTCPAuthenticate(t *testing.T) {
	reg := testRegistry(t)
	s := newTCPServer(t, reg)
	s.HandleQuery(DefaultHandler, func(_ context.Context, req *Request) ([]byte, error) {
		return []byte(hex.EncodeToString(req.Auth)), nil
	})
	c := dialServer(t, s)

	answer, err := c.Query(context.Background(), []byte("who am i"))
	require.NoError(t, err)
	assert.Empty(t, answer)

	key, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), key))
	assert.Equal(t, StateReady, c.State())

	// frames are processed in order, so the next query sees the key
	answer, err = c.Query(context.Background(), []byte("who am i"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(key.PublicKey()), string(answer))
	assert.Equal(t, 1, s.Stats().Authenticated)
}

func TestTCPWrongServerKey(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))

	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = DialTCP(context.Background(), s.Addr().String(), other.PublicKey(),
		WithHandshakeTimeout(2*time.Second))
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestTCPHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accepts and never answers
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	server, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = DialTCP(context.Background(), ln.Addr().String(), server.PublicKey(),
		WithHandshakeTimeout(100*time.Millisecond))
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestTCPConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	server, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = DialTCP(context.Background(), addr, server.PublicKey())
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestTCPCloseFailsPending(t *testing.T) {
	reg := testRegistry(t)
	s := newTCPServer(t, reg)

	release := make(chan struct{})
	defer close(release)
	s.HandleQuery(DefaultHandler, func(context.Context, *Request) ([]byte, error) {
		<-release
		return nil, nil
	})
	c := dialServer(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), []byte("slow"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.conn.dispatcher.Pending() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending query not failed on close")
	}
	assert.Equal(t, StateClosed, c.State())

	_, err := c.Query(context.Background(), []byte("after close"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTCPServerCloseNotifiesClient(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))
	c := dialServer(t, s)

	lost := make(chan error, 1)
	c.OnDisconnect(func(err error) { lost <- err })

	require.NoError(t, s.Close())

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrUnexpectedClose)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.False(t, c.IsConnected())
}

func TestTCPCloseFromDisconnectCallback(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))
	c := dialServer(t, s)

	closed := make(chan error, 1)
	c.OnDisconnect(func(error) { closed <- c.Close() })

	require.NoError(t, s.Close())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from disconnect callback did not return")
	}
	assert.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}

func TestTCPQueryTimeout(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))
	c := dialServer(t, s, WithQueryTimeout(100*time.Millisecond))

	_, err := c.Query(context.Background(), []byte("no handler"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, c.conn.dispatcher.Pending())
}

func TestTCPKeepalive(t *testing.T) {
	s := newTCPServer(t, testRegistry(t))
	c := dialServer(t, s, WithKeepalive(20*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateReady, c.State())
}

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateHandshaking, "handshaking"},
		{StateConfirmed, "confirmed"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
		{StateClosed, "closed"},
		{ConnState(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
