package testagent

import (
	"context"
	"encoding/json"
	"io"

	"github.com/nikomatsakis/symposium/internal/conductor"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// StubAgentConfig controls the canned answers a StubAgent gives; every
// field has a zero value that still produces a valid ACP response.
type StubAgentConfig struct {
	Name               string
	ProtocolVersion    int
	NativeMCPTransport bool
	SessionID          string
	StopReason         string
}

// StubAgentHandle lets a test drive agent-initiated traffic (e.g. a
// session/update notification) once the chain is running. It's handed
// back alongside the ComponentSpec because the mock's own Connection
// doesn't exist until the Conductor calls Mock().
type StubAgentHandle struct {
	ready chan *jsonrpc.Connection
	conn  *jsonrpc.Connection
}

func (h *StubAgentHandle) connection() *jsonrpc.Connection {
	if h.conn == nil {
		h.conn = <-h.ready
	}
	return h.conn
}

// SendSessionUpdate emits a session/update notification upstream, as a
// real agent would while a prompt is in flight (spec.md S4).
func (h *StubAgentHandle) SendSessionUpdate(sessionID string, update json.RawMessage) error {
	return h.connection().SendNotification(acp.MethodSessionUpdate,
		acp.SessionUpdateNotification{SessionID: sessionID, Update: update})
}

// NewStubAgentSpec builds the terminal-agent mock used by S1/S4: it
// answers initialize, session/new, and session/prompt with the values
// in cfg, and silently accepts session/cancel. Being the chain's last
// slot, it needs no sideband relay handlers — everything it sends or
// answers travels directly on its one connection to the Conductor.
func NewStubAgentSpec(cfg StubAgentConfig) (conductor.ComponentSpec, *StubAgentHandle) {
	handle := &StubAgentHandle{ready: make(chan *jsonrpc.Connection, 1)}

	spec := conductor.ComponentSpec{
		Name: cfg.Name,
		Mock: func() (io.Writer, io.Reader, error) {
			r1, w1 := io.Pipe()
			r2, w2 := io.Pipe()

			conn := jsonrpc.NewConnection(w2, r1, jsonrpc.WithName(cfg.Name))

			initHandler := jsonrpc.NewTypedHandler[acp.InitializeRequest, acp.InitializeResponse](acp.MethodInitialize,
				func(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, *jsonrpc.Error, error) {
					resp := acp.InitializeResponse{ProtocolVersion: cfg.ProtocolVersion}
					if cfg.NativeMCPTransport {
						resp.Meta = &acp.Meta{Symposium: &acp.SymposiumMeta{MCPACPTransport: true}}
					}
					return resp, nil, nil
				})

			sessionNewHandler := jsonrpc.NewTypedHandler[acp.NewSessionRequest, acp.NewSessionResponse](acp.MethodSessionNew,
				func(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, *jsonrpc.Error, error) {
					return acp.NewSessionResponse{SessionID: cfg.SessionID}, nil, nil
				})

			promptHandler := jsonrpc.NewTypedHandler[acp.PromptRequest, acp.PromptResponse](acp.MethodSessionPrompt,
				func(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, *jsonrpc.Error, error) {
					return acp.PromptResponse{StopReason: cfg.StopReason}, nil, nil
				})

			cancelHandler := jsonrpc.NewTypedNotificationHandler[acp.CancelNotification](acp.MethodSessionCancel,
				func(ctx context.Context, n acp.CancelNotification) {})

			conn.SetHandlerChain(jsonrpc.NewChain(initHandler, sessionNewHandler, promptHandler, cancelHandler))
			conn.Start()

			handle.ready <- conn
			return w1, r2, nil
		},
	}

	return spec, handle
}
