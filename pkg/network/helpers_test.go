package network

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/tl"
)

const testSchema = `
echo.request text:string = echo.Request;
echo.response text:string = echo.Response;
`

func testRegistry(t *testing.T) *tl.Registry {
	t.Helper()
	reg, err := protocol.NewExtendedRegistry(testSchema)
	require.NoError(t, err)
	return reg
}

func echoRequest(t *testing.T, reg *tl.Registry, text string) []byte {
	t.Helper()
	data, err := reg.Serialize("echo.request", tl.Object{"text": text}, true)
	require.NoError(t, err)
	return data
}

func echoResponse(t *testing.T, reg *tl.Registry, text string) []byte {
	t.Helper()
	data, err := reg.Serialize("echo.response", tl.Object{"text": text}, true)
	require.NoError(t, err)
	return data
}

func decodeText(reg *tl.Registry, data []byte) (string, error) {
	obj, _, err := reg.DeserializeObject(data)
	if err != nil {
		return "", err
	}
	text, _ := obj["text"].(string)
	return text, nil
}

// echoHandler answers echo.request with an echo.response carrying the same text
func echoHandler(reg *tl.Registry) QueryHandler {
	return func(_ context.Context, req *Request) ([]byte, error) {
		text, err := decodeText(reg, req.Payload)
		if err != nil {
			return nil, err
		}
		return reg.Serialize("echo.response", tl.Object{"text": text}, true)
	}
}

type fakeSource struct {
	id string

	mu      sync.Mutex
	replies []protocol.Message
}

func (f *fakeSource) peerID() string { return f.id }

func (f *fakeSource) authKey() ed25519.PublicKey { return nil }

func (f *fakeSource) reply(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	f.replies = append(f.replies, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.replies...)
}
