package mcpbridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// pipeConn wires a Connection whose handler chain is handlers to a
// bare client Connection the test drives directly, mirroring the
// pattern internal/conductor and pkg/jsonrpc use for mock peers.
func pipeConn(t *testing.T, handlers ...jsonrpc.Handler) *jsonrpc.Connection {
	t.Helper()
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()

	srv := jsonrpc.NewConnection(w2, r1, jsonrpc.WithName("registry"))
	srv.SetHandlerChain(jsonrpc.NewChain(handlers...))
	client := jsonrpc.NewConnection(w1, r2, jsonrpc.WithName("client"))
	srv.Start()
	client.Start()

	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})
	return client
}

func echoMCPServer() *server.MCPServer {
	s := server.NewMCPServer("tools", "0.1.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("echoes its input"),
			mcp.WithString("text", mcp.Required())),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(text), nil
		},
	)
	s.AddTool(
		mcp.NewTool("reverse", mcp.WithDescription("reverses its input")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("olleh"), nil
		},
	)
	return s
}

func TestRegisterServerFirstWinsOnDuplicateName(t *testing.T) {
	r := NewRegistry()
	url1 := r.RegisterServer("tools", echoMCPServer)
	assert.NotEmpty(t, url1)

	url2 := r.RegisterServer("tools", echoMCPServer)
	assert.Empty(t, url2, "duplicate registration under the same name must be ignored")
}

func TestEnrichSessionNewAddsRegisteredServers(t *testing.T) {
	r := NewRegistry()
	url := r.RegisterServer("tools", echoMCPServer)

	raw, err := json.Marshal(acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	enriched, err := r.EnrichSessionNew(raw)
	require.NoError(t, err)

	// Assert on the raw wire bytes, not just the round-tripped Go type:
	// spec.md §4.4 point 2 documents mcp_servers entries as flat objects
	// ({"name","url","transport"}), not wrapped under an "http" key.
	var onWire struct {
		McpServers []map[string]any `json:"mcp_servers"`
	}
	require.NoError(t, json.Unmarshal(enriched, &onWire))
	require.Len(t, onWire.McpServers, 1)
	entry := onWire.McpServers[0]
	assert.Equal(t, "tools", entry["name"])
	assert.Equal(t, url, entry["url"])
	assert.Equal(t, "http", entry["transport"])
	assert.NotContains(t, entry, "http", "mcp_servers entries must be flat, not wrapped")
	assert.NotContains(t, entry, "stdio", "mcp_servers entries must be flat, not wrapped")

	var req acp.NewSessionRequest
	require.NoError(t, json.Unmarshal(enriched, &req))
	require.Len(t, req.McpServers, 1)
	require.NotNil(t, req.McpServers[0].HTTP)
	assert.Equal(t, "tools", req.McpServers[0].HTTP.Name)
	assert.Equal(t, url, req.McpServers[0].HTTP.URL)
	assert.Equal(t, "http", req.McpServers[0].HTTP.Transport)
}

// TestMCPBridgeEndToEnd is spec.md S5: an agent connects, lists the
// two registered tools, invokes one of them, and disconnects, all
// through the _mcp/connect, _mcp/request and _mcp/disconnect extension
// methods.
func TestMCPBridgeEndToEnd(t *testing.T) {
	r := NewRegistry()
	url := r.RegisterServer("tools", echoMCPServer)

	client := pipeConn(t, r.Handlers()...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectResp, err := client.SendRequest(ctx, acp.MethodMCPConnect, connectParams{AcpURL: url})
	require.NoError(t, err)
	var cr connectResult
	require.NoError(t, json.Unmarshal(connectResp, &cr))
	require.NotEmpty(t, cr.ConnectionID)

	listReq, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	listResp, err := client.SendRequest(ctx, acp.MethodMCPRequest, requestParams{
		ConnectionID: cr.ConnectionID,
		Request:      listReq,
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(listResp), "echo"))
	assert.True(t, strings.Contains(string(listResp), "reverse"))

	callReq, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}},
	})
	callResp, err := client.SendRequest(ctx, acp.MethodMCPRequest, requestParams{
		ConnectionID: cr.ConnectionID,
		Request:      callReq,
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(callResp), "hi"))

	require.NoError(t, client.SendNotification(acp.MethodMCPDisconnect, disconnectParams{ConnectionID: cr.ConnectionID}))
}

// TestDisconnectIsIdempotent is spec.md P7/MCP invariant 2: a second
// _mcp/disconnect for the same id is a no-op, not an error.
func TestDisconnectIsIdempotent(t *testing.T) {
	r := NewRegistry()
	url := r.RegisterServer("tools", echoMCPServer)
	client := pipeConn(t, r.Handlers()...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectResp, err := client.SendRequest(ctx, acp.MethodMCPConnect, connectParams{AcpURL: url})
	require.NoError(t, err)
	var cr connectResult
	require.NoError(t, json.Unmarshal(connectResp, &cr))

	require.NoError(t, client.SendNotification(acp.MethodMCPDisconnect, disconnectParams{ConnectionID: cr.ConnectionID}))
	require.NoError(t, client.SendNotification(acp.MethodMCPDisconnect, disconnectParams{ConnectionID: cr.ConnectionID}))

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.sessions, 0)
}

// TestUnownedMCPMethodsFallThrough verifies spec.md §9's resolution for
// an acp_url/connection_id this registry doesn't own: the handler
// returns NotHandled so the chain keeps walking, rather than erroring.
func TestUnownedMCPMethodsFallThrough(t *testing.T) {
	r := NewRegistry()
	fallback := jsonrpc.NewTypedHandler[connectParams, connectResult](acp.MethodMCPConnect,
		func(ctx context.Context, p connectParams) (connectResult, *jsonrpc.Error, error) {
			return connectResult{ConnectionID: "fallback"}, nil, nil
		})

	client := pipeConn(t, append(r.Handlers(), fallback)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.SendRequest(ctx, acp.MethodMCPConnect, connectParams{AcpURL: "acp:unknown"})
	require.NoError(t, err)
	var cr connectResult
	require.NoError(t, json.Unmarshal(resp, &cr))
	assert.Equal(t, "fallback", cr.ConnectionID)
}
