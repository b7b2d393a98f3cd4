package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/tl"
)

func newUDPTransport(t *testing.T, reg *tl.Registry, opts ...Option) *UDPTransport {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	tr, err := NewUDPTransport(id, append([]Option{WithRegistry(reg)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	t.Cleanup(func() { tr.Close() })
	return tr
}

// udpPair returns two transports and a's view of b
func udpPair(t *testing.T, opts ...Option) (a, b *UDPTransport, peerB *Peer) {
	t.Helper()
	reg := testRegistry(t)
	a = newUDPTransport(t, reg, opts...)
	b = newUDPTransport(t, reg, opts...)

	peerB, err := a.AddPeer(b.LocalAddr().String(), b.Identity().PublicKey())
	require.NoError(t, err)
	return a, b, peerB
}

func TestUDPPing(t *testing.T) {
	a, b, peerB := udpPair(t)

	rtt, err := a.Ping(context.Background(), peerB)
	require.NoError(t, err)
	assert.Positive(t, rtt)

	// b learned a from the signed identity packet
	_, ok := b.Peer(a.Identity().KeyID())
	assert.True(t, ok)
}

func TestUDPQueryEcho(t *testing.T) {
	a, b, peerB := udpPair(t)
	reg := a.reg

	b.HandleQuery("echo.request", echoHandler(reg))

	answer, err := a.Query(context.Background(), peerB, echoRequest(t, reg, "hello"))
	require.NoError(t, err)

	text, err := decodeText(reg, answer)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestUDPQueryRequestCarriesSender(t *testing.T) {
	a, b, peerB := udpPair(t)

	got := make(chan *Request, 1)
	b.HandleQuery(DefaultHandler, func(_ context.Context, req *Request) ([]byte, error) {
		got <- req
		return []byte("ok"), nil
	})

	_, err := a.Query(context.Background(), peerB, []byte("opaque"))
	require.NoError(t, err)

	req := <-got
	assert.Equal(t, a.Identity().KeyID().String(), req.Peer)
	assert.Equal(t, a.Identity().PublicKey(), req.Auth)
	assert.Empty(t, req.Type)
	assert.Equal(t, []byte("opaque"), req.Payload)
}

func TestUDPConcurrentQueriesAnsweredInReverse(t *testing.T) {
	a, b, peerB := udpPair(t)
	reg := a.reg
	const n = 8

	b.HandleQuery("echo.request", func(ctx context.Context, req *Request) ([]byte, error) {
		text, err := decodeText(reg, req.Payload)
		if err != nil {
			return nil, err
		}
		var i int
		fmt.Sscanf(text, "q%d", &i)
		// earlier queries answer later
		time.Sleep(time.Duration(n-i) * 15 * time.Millisecond)
		return reg.Serialize("echo.response", tl.Object{"text": text}, true)
	})

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			want := fmt.Sprintf("q%d", i)
			answer, err := a.Query(context.Background(), peerB, echoRequest(t, reg, want))
			if err != nil {
				return err
			}
			got, err := decodeText(reg, answer)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("query %s got answer %s", want, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, a.Stats().Pending)
}

func TestUDPFragmentedCustom(t *testing.T) {
	a, b, peerB := udpPair(t, WithMTU(1024))

	var mu sync.Mutex
	var received [][]byte
	b.HandleCustom(DefaultHandler, func(_ context.Context, req *Request) {
		mu.Lock()
		received = append(received, req.Payload)
		mu.Unlock()
	})

	payload := make([]byte, 20000)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, a.SendCustom(context.Background(), peerB, payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, payload, received[0])
}

func TestUDPCustomTooLarge(t *testing.T) {
	a, _, peerB := udpPair(t, WithMTU(1024))

	err := a.SendCustom(context.Background(), peerB, make([]byte, 40*1024))
	assert.Error(t, err)
}

func TestUDPChannel(t *testing.T) {
	a, b, peerB := udpPair(t)
	reg := a.reg
	b.HandleQuery("echo.request", echoHandler(reg))

	require.NoError(t, a.Connect(context.Background(), peerB))
	assert.True(t, peerB.HasChannel())

	peerA, ok := b.Peer(a.Identity().KeyID())
	require.True(t, ok)
	assert.True(t, peerA.HasChannel())

	// traffic now flows over the channel in both directions
	answer, err := a.Query(context.Background(), peerB, echoRequest(t, reg, "over channel"))
	require.NoError(t, err)
	text, err := decodeText(reg, answer)
	require.NoError(t, err)
	assert.Equal(t, "over channel", text)

	_, err = b.Ping(context.Background(), peerA)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Stats().Channels)
	assert.Equal(t, 1, b.Stats().Channels)

	// connecting again is a no-op
	require.NoError(t, a.Connect(context.Background(), peerB))
}

func TestUDPConfirmSeqnoGrows(t *testing.T) {
	a, b, peerB := udpPair(t)

	var last int64
	for i := 0; i < 5; i++ {
		_, err := a.Ping(context.Background(), peerB)
		require.NoError(t, err)

		peerA, ok := b.Peer(a.Identity().KeyID())
		require.True(t, ok)
		cur := peerA.ConfirmSeqno()
		assert.Greater(t, cur, last)
		last = cur
	}
	assert.Equal(t, int64(5), peerB.ConfirmSeqno())
}

func TestUDPQueryTimeout(t *testing.T) {
	a, _, peerB := udpPair(t, WithQueryTimeout(100*time.Millisecond))

	_, err := a.Query(context.Background(), peerB, []byte("nobody answers"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, a.Stats().Pending)
}

func TestUDPCloseFailsPending(t *testing.T) {
	a, b, peerB := udpPair(t)

	release := make(chan struct{})
	defer close(release)
	b.HandleQuery(DefaultHandler, func(context.Context, *Request) ([]byte, error) {
		<-release
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Query(context.Background(), peerB, []byte("slow"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return a.Stats().Pending == 1 }, time.Second, time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending query not failed on close")
	}

	_, err := a.Ping(context.Background(), peerB)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUDPGarbageIsDropped(t *testing.T) {
	a, b, peerB := udpPair(t)

	conn, err := net.Dial("udp", b.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	junk := make([]byte, 200)
	for _, size := range []int{1, 63, 64, 96, 200} {
		_, err := rand.Read(junk[:size])
		require.NoError(t, err)
		_, err = conn.Write(junk[:size])
		require.NoError(t, err)
	}

	// addressed to b but sealed with the wrong key
	bid := b.Identity().KeyID()
	forged := append(append([]byte(nil), bid[:]...), junk[:100]...)
	_, err = conn.Write(forged)
	require.NoError(t, err)

	_, err = a.Ping(context.Background(), peerB)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Peers)
}

func TestUDPCloseFromDisconnectCallback(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	tr, err := NewUDPTransport(id, WithRegistry(testRegistry(t)))
	require.NoError(t, err)

	closed := make(chan error, 1)
	tr.OnDisconnect(func(error) { closed <- tr.Close() })

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tr.Serve(conn))

	// the socket fails underneath the transport
	require.NoError(t, conn.Close())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from disconnect callback did not return")
	}
	assert.NoError(t, tr.Close())
}

func TestUDPServeTwice(t *testing.T) {
	a, _, _ := udpPair(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, a.Serve(conn), ErrAlreadyStarted)
}

func TestNewUDPTransportValidation(t *testing.T) {
	_, err := NewUDPTransport(nil)
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	_, err = NewUDPTransport(id, WithMTU(0))
	assert.Error(t, err)
	_, err = NewUDPTransport(id, WithMTU(9000))
	assert.Error(t, err)
}
