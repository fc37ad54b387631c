// Package testagent provides in-memory mock ACP chain components —
// forwarding and refusing proxies, a terminal stub agent, and an MCP
// bridge proxy — wired through io.Pipe the way spec.md §4.3 step 3
// allows ("mocks yield byte streams directly"). These are consumed by
// internal/conductor's test suite.
package testagent

import (
	"context"
	"io"

	"github.com/nikomatsakis/symposium/internal/conductor"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// NewProxySpec builds a conductor.ComponentSpec for an in-memory proxy
// that forwards every request and notification one hop further using
// the sideband relay methods the Conductor installs on each slot's
// connection (grounded on original_source's Component forwarding shape
// — see DESIGN.md).
//
// confirmProxy controls what this mock does with an initialize
// response once the successor has answered: true stamps
// meta.symposium.proxy=true onto this component's own reply before
// relaying it upstream, completing the handshake (the ForwardingProxy
// used by S2/S4/P6); false relays the successor's raw response
// untouched, which silently drops the confirmation and is exactly the
// failure spec.md's S3 scenario and P5 test against (RefusingProxy).
func NewProxySpec(name string, confirmProxy bool) conductor.ComponentSpec {
	return conductor.ComponentSpec{
		Name: name,
		Mock: func() (io.Writer, io.Reader, error) {
			r1, w1 := io.Pipe()
			r2, w2 := io.Pipe()

			conn := jsonrpc.NewConnection(w2, r1, jsonrpc.WithName(name))
			conn.SetHandlerChain(jsonrpc.NewChain(
				relayFromSuccessorHandler(conn),
				relayFromSuccessorNotifyHandler(conn),
				forwardingHandler(conn, confirmProxy),
			))
			conn.Start()

			return w1, r2, nil
		},
	}
}

// relayFromSuccessorHandler answers the Conductor's
// MethodRelayFromSuccessor sideband request — a message travelling
// from this component's successor toward the editor — by relaying it
// plainly toward this component's predecessor (a request on conn
// itself, which the Conductor's catch-all treats as originating at
// this slot per spec.md §4.3's routing policy).
func relayFromSuccessorHandler(conn *jsonrpc.Connection) jsonrpc.Handler {
	return jsonrpc.NewTypedHandler[conductor.RelayParams, jsonrpc.RawMessage](conductor.MethodRelayFromSuccessor,
		func(ctx context.Context, req conductor.RelayParams) (jsonrpc.RawMessage, *jsonrpc.Error, error) {
			result, err := conn.SendRequest(ctx, req.Method, req.Params)
			if err != nil {
				return nil, toRPCError(err), nil
			}
			return result, nil, nil
		})
}

func relayFromSuccessorNotifyHandler(conn *jsonrpc.Connection) jsonrpc.Handler {
	return jsonrpc.NewTypedNotificationHandler[conductor.RelayParams](conductor.MethodRelayFromSuccessorNotify,
		func(ctx context.Context, req conductor.RelayParams) {
			_ = conn.SendNotification(req.Method, req.Params)
		})
}

// forwardingHandler handles every inbound message this component's
// own connection sees that isn't a sideband relay: the forward
// direction, originating at the predecessor. It relays through to the
// successor via the sideband and answers with whatever came back.
func forwardingHandler(conn *jsonrpc.Connection, confirmProxy bool) jsonrpc.Handler {
	return &jsonrpc.AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
			result, err := conn.SendRequest(ctx, conductor.MethodRelayToSuccessor,
				conductor.RelayParams{Method: rc.Method, Params: rc.Params})
			if err != nil {
				return jsonrpc.Handled, rc.RespondError(toRPCError(err))
			}

			if confirmProxy && rc.Method == acp.MethodInitialize && acp.HasMetaProxyConfirmed(rc.Params) {
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

func toRPCError(err error) *jsonrpc.Error {
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	return jsonrpc.InternalError(err.Error())
}
