package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/pkg/acp"
)

func newTestShim(t *testing.T, reg *Registry) *Shim {
	t.Helper()
	client := pipeConn(t, reg.Handlers()...)

	inject := func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return client.SendRequest(ctx, method, params)
	}
	injectNotify := func(ctx context.Context, method string, params json.RawMessage) {
		_ = client.SendNotification(method, params)
	}
	shim := NewShim("127.0.0.1", "symposium-conductor", logging.NewNop(), inject, injectNotify)
	t.Cleanup(shim.Close)
	return shim
}

// TestRewriteSessionServersPointsAtHelperCommand is spec.md S6's setup
// step: an acp: url http entry becomes a stdio entry for "conductor mcp <port>".
func TestRewriteSessionServersPointsAtHelperCommand(t *testing.T) {
	reg := NewRegistry()
	url := reg.RegisterServer("tools", echoMCPServer)
	shim := newTestShim(t, reg)

	raw, err := json.Marshal(acp.NewSessionRequest{
		Cwd:        "/tmp",
		McpServers: []acp.McpServerEntry{{HTTP: &acp.McpServerHTTP{Name: "tools", URL: url, Transport: "http"}}},
	})
	require.NoError(t, err)

	rewritten, err := shim.RewriteSessionServers(context.Background(), raw)
	require.NoError(t, err)

	// spec.md S6: {"command":"conductor","args":[...]} is flat on the
	// wire, not wrapped under a "stdio" key.
	var onWire struct {
		McpServers []map[string]any `json:"mcp_servers"`
	}
	require.NoError(t, json.Unmarshal(rewritten, &onWire))
	require.Len(t, onWire.McpServers, 1)
	assert.Equal(t, "symposium-conductor", onWire.McpServers[0]["command"])
	assert.NotContains(t, onWire.McpServers[0], "stdio")
	assert.NotContains(t, onWire.McpServers[0], "http")

	var req acp.NewSessionRequest
	require.NoError(t, json.Unmarshal(rewritten, &req))
	require.Len(t, req.McpServers, 1)
	require.NotNil(t, req.McpServers[0].Stdio)
	assert.Nil(t, req.McpServers[0].HTTP)
	assert.Equal(t, "symposium-conductor", req.McpServers[0].Stdio.Command)
	require.Len(t, req.McpServers[0].Stdio.Args, 2)
	assert.Equal(t, "mcp", req.McpServers[0].Stdio.Args[0])
	port, err := strconv.Atoi(req.McpServers[0].Stdio.Args[1])
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

// TestShimBridgesMCPRequestsOverTCP is spec.md S6: a raw socket dialed
// to the rewritten port gets the same tools/list answer as the native
// _mcp/request path in S5, proving the bridge is transport-transparent.
func TestShimBridgesMCPRequestsOverTCP(t *testing.T) {
	reg := NewRegistry()
	url := reg.RegisterServer("tools", echoMCPServer)
	shim := newTestShim(t, reg)

	raw, err := json.Marshal(acp.NewSessionRequest{
		McpServers: []acp.McpServerEntry{{HTTP: &acp.McpServerHTTP{Name: "tools", URL: url, Transport: "http"}}},
	})
	require.NoError(t, err)
	rewritten, err := shim.RewriteSessionServers(context.Background(), raw)
	require.NoError(t, err)
	var req acp.NewSessionRequest
	require.NoError(t, json.Unmarshal(rewritten, &req))
	port, err := strconv.Atoi(req.McpServers[0].Stdio.Args[1])
	require.NoError(t, err)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	assert.True(t, strings.Contains(scanner.Text(), "echo"))
}

// TestDialWithBackoffSucceedsOnceListenerAppears is spec.md P8: a
// helper dialing with the documented retry policy succeeds as soon as
// the port is bound, even if the listener wasn't there yet at the
// first attempt.
func TestDialWithBackoffSucceedsOnceListenerAppears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(120 * time.Millisecond)
		ln2, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			return
		}
		conn, err := ln2.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- RunHelper(ctx, port, 20*time.Millisecond, 200*time.Millisecond, 10, stdinR, stdoutW)
	}()

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("helper never dialed back")
	}
	defer serverConn.Close()

	_, err = stdinW.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))

	_, err = serverConn.Write([]byte("pong\n"))
	require.NoError(t, err)

	out := make([]byte, 5)
	_, err = io.ReadFull(stdoutR, out)
	require.NoError(t, err)
	assert.Equal(t, "pong\n", string(out))

	_ = stdinW.Close()
	cancel()
	<-done
}
