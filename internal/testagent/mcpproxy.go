package testagent

import (
	"context"
	"io"

	"github.com/nikomatsakis/symposium/internal/conductor"
	"github.com/nikomatsakis/symposium/internal/mcpbridge"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// NewMCPProxySpec builds a mock proxy for S5/S6-style chains: an
// otherwise transparent forwarder that additionally serves registry's
// four _mcp/* extension methods when they arrive from its predecessor,
// and enriches every session/new request it forwards with registry's
// registered servers (spec.md §4.4 points 2-5). Callers register
// servers on registry before the chain starts. No test in this module
// builds it; the mcpbridge S5/S6 tests drive the Registry directly.
func NewMCPProxySpec(name string, registry *mcpbridge.Registry) conductor.ComponentSpec {
	return conductor.ComponentSpec{
		Name: name,
		Mock: func() (io.Writer, io.Reader, error) {
			r1, w1 := io.Pipe()
			r2, w2 := io.Pipe()

			conn := jsonrpc.NewConnection(w2, r1, jsonrpc.WithName(name))

			handlers := append([]jsonrpc.Handler{
				relayFromSuccessorHandler(conn),
				relayFromSuccessorNotifyHandler(conn),
			}, registry.Handlers()...)
			handlers = append(handlers, mcpForwardingHandler(conn, registry))

			conn.SetHandlerChain(jsonrpc.NewChain(handlers...))
			conn.Start()

			return w1, r2, nil
		},
	}
}

// mcpForwardingHandler is forwardingHandler plus one special case:
// session/new gets registry's mcp_servers entries spliced in before
// the request continues down the chain (spec.md §4.4 point 2).
func mcpForwardingHandler(conn *jsonrpc.Connection, registry *mcpbridge.Registry) jsonrpc.Handler {
	return &jsonrpc.AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
			outParams := rc.Params
			if rc.Method == acp.MethodSessionNew {
				enriched, err := registry.EnrichSessionNew(outParams)
				if err != nil {
					return jsonrpc.Handled, rc.RespondError(jsonrpc.InternalError(err.Error()))
				}
				outParams = enriched
			}

			result, err := conn.SendRequest(ctx, conductor.MethodRelayToSuccessor,
				conductor.RelayParams{Method: rc.Method, Params: outParams})
			if err != nil {
				return jsonrpc.Handled, rc.RespondError(toRPCError(err))
			}

			if rc.Method == acp.MethodInitialize && acp.HasMetaProxyConfirmed(rc.Params) {
				stamped, serr := acp.SetMetaProxyOffer(result)
				if serr != nil {
					return jsonrpc.Handled, rc.RespondError(jsonrpc.InternalError(serr.Error()))
				}
				result = stamped
			}
			return jsonrpc.Handled, rc.RespondRaw(result)
		},
		OnNotification: func(ctx context.Context, nc *jsonrpc.NotificationContext) jsonrpc.Result {
			_ = conn.SendNotification(conductor.MethodRelayToSuccessorNotify,
				conductor.RelayParams{Method: nc.Method, Params: nc.Params})
			return jsonrpc.Handled
		},
	}
}
