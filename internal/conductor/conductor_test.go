package conductor_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikomatsakis/symposium/internal/conductor"
	"github.com/nikomatsakis/symposium/internal/testagent"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// newHarness wires a Conductor's editor-facing stdio to a bare test
// Connection the way a real editor process would see it, and starts
// both sides.
func newHarness(t *testing.T, specs []conductor.ComponentSpec, opts ...conductor.Option) (*jsonrpc.Connection, *conductor.Conductor) {
	t.Helper()
	r1, w1 := io.Pipe() // editor -> conductor
	r2, w2 := io.Pipe() // conductor -> editor

	cond, err := conductor.New(w2, r1, specs, opts...)
	require.NoError(t, err)

	editorConn := jsonrpc.NewConnection(w1, r2, jsonrpc.WithName("editor-test"))
	editorConn.SetHandlerChain(jsonrpc.NewChain())

	cond.Start()
	editorConn.Start()

	t.Cleanup(func() {
		cond.Close()
		_ = editorConn.Close()
	})
	return editorConn, cond
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

// TestHandshakeSingleComponentNoProxyOffer is spec.md S1: a chain of
// just the terminal agent gets its initialize forwarded unmodified —
// there's no successor, so no meta.symposium.proxy offer is stamped.
func TestHandshakeSingleComponentNoProxyOffer(t *testing.T) {
	agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
		Name: "agent", ProtocolVersion: 1, SessionID: "sess-1", StopReason: "end_turn",
	})
	editorConn, _ := newHarness(t, []conductor.ComponentSpec{agentSpec})

	result, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 1})
	require.NoError(t, err)

	var resp acp.InitializeResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.Equal(t, 1, resp.ProtocolVersion)
	assert.False(t, acp.HasMetaProxyConfirmed(result))
}

// TestHandshakeTwoComponentProxyAccepts is spec.md S2: a proxy that
// echoes the capability back completes the handshake, and the editor
// sees a normal success carrying the agent's protocol version.
func TestHandshakeTwoComponentProxyAccepts(t *testing.T) {
	proxySpec := testagent.NewProxySpec("proxy", true)
	agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
		Name: "agent", ProtocolVersion: 1, SessionID: "sess-1", StopReason: "end_turn",
	})
	editorConn, _ := newHarness(t, []conductor.ComponentSpec{proxySpec, agentSpec})

	result, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 1})
	require.NoError(t, err)

	var resp acp.InitializeResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.Equal(t, 1, resp.ProtocolVersion)
}

// TestHandshakeTwoComponentProxyRefuses is spec.md S3: a component that
// accepts the handshake offer but never echoes it back fails the
// handshake with a NotAProxy error naming its chain position.
func TestHandshakeTwoComponentProxyRefuses(t *testing.T) {
	proxySpec := testagent.NewProxySpec("proxy", false)
	agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
		Name: "agent", ProtocolVersion: 1, SessionID: "sess-1", StopReason: "end_turn",
	})
	editorConn, _ := newHarness(t, []conductor.ComponentSpec{proxySpec, agentSpec})

	_, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 1})
	require.Error(t, err)

	rpcErr, ok := err.(*jsonrpc.Error)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeNotAProxy, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "component 0")
	assert.Contains(t, rpcErr.Message, "not a proxy")
}

// TestPromptPassthrough is spec.md S4: session/prompt round-trips
// through a proxy hop, and a session/update the agent emits mid-turn
// arrives at the editor unmodified.
func TestPromptPassthrough(t *testing.T) {
	proxySpec := testagent.NewProxySpec("proxy", true)
	agentSpec, handle := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
		Name: "agent", ProtocolVersion: 1, SessionID: "sess-1", StopReason: "end_turn",
	})
	editorConn, _ := newHarness(t, []conductor.ComponentSpec{proxySpec, agentSpec})

	updates := make(chan acp.SessionUpdateNotification, 1)
	editorConn.SetHandlerChain(jsonrpc.NewChain(
		jsonrpc.NewTypedNotificationHandler[acp.SessionUpdateNotification](acp.MethodSessionUpdate,
			func(ctx context.Context, n acp.SessionUpdateNotification) { updates <- n }),
	))

	_, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 1})
	require.NoError(t, err)

	sessResult, err := editorConn.SendRequest(ctx(t), acp.MethodSessionNew, acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)
	var sessResp acp.NewSessionResponse
	require.NoError(t, json.Unmarshal(sessResult, &sessResp))
	assert.Equal(t, "sess-1", sessResp.SessionID)

	require.NoError(t, handle.SendSessionUpdate("sess-1", json.RawMessage(`{"kind":"agent_message_chunk","text":"hi"}`)))

	select {
	case n := <-updates:
		assert.Equal(t, "sess-1", n.SessionID)
		assert.JSONEq(t, `{"kind":"agent_message_chunk","text":"hi"}`, string(n.Update))
	case <-time.After(2 * time.Second):
		t.Fatal("session/update never reached the editor")
	}

	promptResult, err := editorConn.SendRequest(ctx(t), acp.MethodSessionPrompt, acp.PromptRequest{
		SessionID: "sess-1",
		Prompt:    []acp.ContentBlock{{Type: "text", Text: "hello"}},
	})
	require.NoError(t, err)
	var promptResp acp.PromptResponse
	require.NoError(t, json.Unmarshal(promptResult, &promptResp))
	assert.Equal(t, "end_turn", promptResp.StopReason)
}

// TestCapabilityHandshakeThreeComponents is spec.md P5: the proxy-offer
// flag is stamped on every non-terminal hop and nowhere else, and the
// agent's native-MCP declaration on the final hop is what the
// Conductor records, regardless of how many proxies sit in front of it.
func TestCapabilityHandshakeThreeComponents(t *testing.T) {
	proxy1 := testagent.NewProxySpec("proxy1", true)
	proxy2 := testagent.NewProxySpec("proxy2", true)
	agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
		Name: "agent", ProtocolVersion: 1, SessionID: "sess-1", StopReason: "end_turn",
		NativeMCPTransport: true,
	})

	var capturedNative bool
	rewriter := func(params json.RawMessage, agentNativeMCP bool) (json.RawMessage, error) {
		capturedNative = agentNativeMCP
		return params, nil
	}

	editorConn, _ := newHarness(t, []conductor.ComponentSpec{proxy1, proxy2, agentSpec},
		conductor.WithSessionNewRewriter(rewriter))

	_, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 1})
	require.NoError(t, err)

	_, err = editorConn.SendRequest(ctx(t), acp.MethodSessionNew, acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	assert.True(t, capturedNative, "agent's mcp_acp_transport capability should have survived two proxy hops")
}

// TestTransparentForwardingIndistinguishable is spec.md P6: adding a
// pure forwarding proxy in front of the agent leaves the protocol
// version and agent info of the editor-visible initialize response
// unchanged (the proxied response additionally carries the proxy's
// meta.symposium.proxy confirmation, which this test does not compare).
func TestTransparentForwardingIndistinguishable(t *testing.T) {
	baseline := func(t *testing.T) json.RawMessage {
		agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
			Name: "agent", ProtocolVersion: 3, SessionID: "sess-7", StopReason: "end_turn",
		})
		editorConn, _ := newHarness(t, []conductor.ComponentSpec{agentSpec})
		result, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 3})
		require.NoError(t, err)
		return result
	}
	withProxy := func(t *testing.T) json.RawMessage {
		proxySpec := testagent.NewProxySpec("proxy", true)
		agentSpec, _ := testagent.NewStubAgentSpec(testagent.StubAgentConfig{
			Name: "agent", ProtocolVersion: 3, SessionID: "sess-7", StopReason: "end_turn",
		})
		editorConn, _ := newHarness(t, []conductor.ComponentSpec{proxySpec, agentSpec})
		result, err := editorConn.SendRequest(ctx(t), acp.MethodInitialize, acp.InitializeRequest{ProtocolVersion: 3})
		require.NoError(t, err)
		return result
	}

	var direct acp.InitializeResponse
	require.NoError(t, json.Unmarshal(baseline(t), &direct))
	var proxied acp.InitializeResponse
	require.NoError(t, json.Unmarshal(withProxy(t), &proxied))

	assert.Equal(t, direct.ProtocolVersion, proxied.ProtocolVersion)
	assert.Equal(t, direct.AgentInfo, proxied.AgentInfo)
}
