package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/tl"
)

const echoSchema = `
echo.request text:string = echo.Request;
echo.response text:string = echo.Response;
`

const echoObject = `{"@type": echo.request, text: hi}`

// resetFlags restores every flag so runs do not leak into each other
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config with the echo schema and returns its path
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	schema := filepath.Join(dir, "echo.tl")
	require.NoError(t, os.WriteFile(schema, []byte(echoSchema), 0o600))

	text := fmt.Sprintf(`node:
  database: %q
  schema_file: %q
  query_timeout: 5s
  ping_timeout: 3s
%s`, filepath.Join(dir, "node.db"), schema, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func echoRegistry(t *testing.T) *tl.Registry {
	t.Helper()
	reg, err := protocol.NewExtendedRegistry(echoSchema)
	require.NoError(t, err)
	return reg
}

func echoQuery(reg *tl.Registry) network.QueryHandler {
	return func(_ context.Context, req *network.Request) ([]byte, error) {
		obj, _, err := reg.DeserializeObject(req.Payload)
		if err != nil {
			return nil, err
		}
		return reg.Serialize("echo.response", tl.Object{"text": obj["text"]}, true)
	}
}

func startUDPNode(t *testing.T) (*network.UDPTransport, string) {
	t.Helper()
	reg := echoRegistry(t)
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	udp, err := network.NewUDPTransport(id, network.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, udp.Listen("127.0.0.1:0"))
	t.Cleanup(func() { udp.Close() })
	udp.HandleQuery("echo.request", echoQuery(reg))
	return udp, base64.StdEncoding.EncodeToString(id.PublicKey())
}

func startTCPNode(t *testing.T) (*network.TCPServer, string) {
	t.Helper()
	reg := echoRegistry(t)
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	srv, err := network.NewTCPServer(id, network.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	srv.HandleQuery("echo.request", echoQuery(reg))
	return srv, base64.StdEncoding.EncodeToString(id.PublicKey())
}

func TestKeygen(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := executeCommand(t, "--config", cfgPath, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, `Created identity "node"`)
	firstKey := keyLine(out)
	require.NotEmpty(t, firstKey)

	out, err = executeCommand(t, "--config", cfgPath, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, `Identity "node"`)
	assert.Equal(t, firstKey, keyLine(out))

	out, err = executeCommand(t, "--config", cfgPath, "keygen", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "node")
}

func keyLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "public key:") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func TestDecode(t *testing.T) {
	cfgPath := writeConfig(t, "")
	reg := echoRegistry(t)

	ping, err := protocol.EncodeMessage(reg, &protocol.Ping{Value: 42})
	require.NoError(t, err)
	out, err := executeCommand(t, "--config", cfgPath, "decode", hex.EncodeToString(ping))
	require.NoError(t, err)
	assert.Contains(t, out, protocol.TypePing)
	assert.Contains(t, out, "42")

	echo, err := reg.Serialize("echo.request", tl.Object{"text": "hello"}, true)
	require.NoError(t, err)
	out, err = executeCommand(t, "--config", cfgPath, "decode", "--base64", base64.StdEncoding.EncodeToString(echo))
	require.NoError(t, err)
	assert.Contains(t, out, "echo.request")
	assert.Contains(t, out, "hello")
}

func TestDecodeInvalid(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := executeCommand(t, "--config", cfgPath, "decode", "zz")
	assert.Error(t, err)

	_, err = executeCommand(t, "--config", cfgPath, "decode", "deadbeef")
	assert.Error(t, err)
}

func TestQueryUDP(t *testing.T) {
	cfgPath := writeConfig(t, "")
	udp, key := startUDPNode(t)

	out, err := executeCommand(t, "--config", cfgPath, "query", udp.LocalAddr().String(), key, "--object", echoObject)
	require.NoError(t, err, out)
	assert.Contains(t, out, "echo.response")
	assert.Contains(t, out, "hi")
}

func TestQueryUDPOverChannel(t *testing.T) {
	cfgPath := writeConfig(t, "")
	udp, key := startUDPNode(t)

	out, err := executeCommand(t, "--config", cfgPath, "query", udp.LocalAddr().String(), key, "--connect", "--object", echoObject)
	require.NoError(t, err, out)
	assert.Contains(t, out, "hi")
}

func TestQueryTCP(t *testing.T) {
	cfgPath := writeConfig(t, "")
	srv, key := startTCPNode(t)

	out, err := executeCommand(t, "--config", cfgPath, "query", srv.Addr().String(), key, "--tcp", "--object", echoObject)
	require.NoError(t, err, out)
	assert.Contains(t, out, "echo.response")
}

func TestQueryConfiguredServers(t *testing.T) {
	srv, key := startTCPNode(t)
	port := srv.Addr().(*net.TCPAddr).Port
	cfgPath := writeConfig(t, fmt.Sprintf(`servers:
  - address: /ip4/127.0.0.1/tcp/%d
    public_key: %q
`, port, key))

	out, err := executeCommand(t, "--config", cfgPath, "query", "--object", echoObject)
	require.NoError(t, err, out)
	assert.Contains(t, out, "hi")
}

func TestQueryErrors(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := executeCommand(t, "--config", cfgPath, "query")
	assert.Error(t, err)

	_, err = executeCommand(t, "--config", cfgPath, "query", "--data", "00000000")
	assert.ErrorIs(t, err, network.ErrNoServers)

	_, err = executeCommand(t, "--config", cfgPath, "query", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestPingUDP(t *testing.T) {
	cfgPath := writeConfig(t, "")
	udp, key := startUDPNode(t)

	out, err := executeCommand(t, "--config", cfgPath, "ping", udp.LocalAddr().String(), key, "--count", "2", "--interval", "10ms")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 sent, 2 received")
}

func TestPingTCP(t *testing.T) {
	cfgPath := writeConfig(t, "")
	srv, key := startTCPNode(t)

	out, err := executeCommand(t, "--config", cfgPath, "ping", srv.Addr().String(), key, "--tcp", "--count", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 sent, 1 received")
}
