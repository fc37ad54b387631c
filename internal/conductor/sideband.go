package conductor

import "github.com/nikomatsakis/symposium/pkg/jsonrpc"

// A component process only ever has one physical connection to the
// Conductor, yet it sits between two logical neighbours (whatever is
// closer to the editor, and whatever is closer to the agent). These
// four reserved methods multiplex that second, "successor-facing"
// direction onto the one connection the Conductor actually holds.
// They are never sent to the editor and never answered by the
// terminal agent, which only ever sees plain ACP (spec.md §4.3's
// routing policy describes the externally observable effect; this is
// the mechanism this implementation uses to produce it, grounded in
// original_source's ProxyToSuccessor/_proxy/successor/receive design
// — see DESIGN.md).
const (
	// MethodRelayToSuccessor asks the Conductor to deliver {method,
	// params} to this component's successor as an ordinary request,
	// and to return whatever the successor answered. Sent by a
	// component that decides to forward rather than answer directly.
	MethodRelayToSuccessor = "_symposium/relay_to_successor"
	// MethodRelayToSuccessorNotify is the fire-and-forget counterpart.
	MethodRelayToSuccessorNotify = "_symposium/relay_to_successor_notify"

	// MethodRelayFromSuccessor is sent by the Conductor to a component
	// to deliver {method, params} that arrived from its successor and
	// is travelling toward the editor. The component's response to
	// this request is what the Conductor relays back to the successor
	// as the resolution of its own pending call.
	MethodRelayFromSuccessor = "_symposium/relay_from_successor"
	// MethodRelayFromSuccessorNotify is the notification counterpart;
	// no response is expected or possible.
	MethodRelayFromSuccessorNotify = "_symposium/relay_from_successor_notify"
)

// RelayParams wraps an arbitrary ACP method name and payload for
// transit over the sideband.
type RelayParams struct {
	Method string             `json:"method"`
	Params jsonrpc.RawMessage `json:"params,omitempty"`
}
