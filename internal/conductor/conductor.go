// Package conductor implements the Symposium Conductor: the runtime
// that spawns an ordered chain of proxy components plus a terminal
// agent, performs the capability-negotiating initialize handshake, and
// routes every subsequent ACP message hop-by-hop between the editor
// and the agent (spec.md §4.3).
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// Conductor owns the editor connection and every spawned component's
// connection, and implements the routing policy between them.
type Conductor struct {
	logger *logging.Logger

	editorConn *jsonrpc.Connection
	slots      []*Slot

	closeOnce sync.Once

	mu             sync.RWMutex
	agentNativeMCP bool

	// onSessionNew, if set, is given every session/new request about
	// to be delivered to the terminal agent so the MCP bridge can
	// rewrite mcp_servers entries when the agent lacks native
	// transport (spec.md §4.4). Left nil when there's no bridge.
	onSessionNew func(params json.RawMessage, agentNativeMCP bool) (json.RawMessage, error)
}

// Option configures a Conductor at construction time.
type Option func(*Conductor)

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Conductor) { c.logger = l }
}

// WithSessionNewRewriter installs the MCP bridge's session/new
// rewriter, invoked only for the request actually delivered to the
// terminal agent (spec.md §4.4 "TCP shim for non-native agents").
func WithSessionNewRewriter(fn func(params json.RawMessage, agentNativeMCP bool) (json.RawMessage, error)) Option {
	return func(c *Conductor) { c.onSessionNew = fn }
}

// New builds a Conductor around an editor byte stream and an ordered
// list of component specs. Each spec is spawned (or mocked) in order;
// c0 is specs[0], cn is the last spec (spec.md §3 "Conductor chain").
func New(editorWriter io.Writer, editorReader io.Reader, specs []ComponentSpec, opts ...Option) (*Conductor, error) {
	c := &Conductor{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("conductor: at least one component (the agent) is required")
	}

	c.editorConn = jsonrpc.NewConnection(editorWriter, editorReader,
		jsonrpc.WithLogger(c.logger.WithComponent("editor")), jsonrpc.WithName("editor"))

	slots := make([]*Slot, 0, len(specs))
	for i, spec := range specs {
		slot, err := spawnSlot(i, spec, c.logger)
		if err != nil {
			for _, s := range slots {
				s.kill()
			}
			return nil, err
		}
		slots = append(slots, slot)
	}
	c.slots = slots

	c.editorConn.SetHandlerChain(jsonrpc.NewChain(c.editorHandler()))
	for i, slot := range c.slots {
		slot.conn.SetHandlerChain(jsonrpc.NewChain(c.componentHandler(i)))
	}
	return c, nil
}

// Slots exposes the spawned chain for inspection (logging, MCP bridge
// wiring) without handing out mutation access.
func (c *Conductor) Slots() []*Slot { return c.slots }

// EditorConn exposes the Conductor's connection to the editor, e.g. so
// a caller can wait on it after Start.
func (c *Conductor) EditorConn() *jsonrpc.Connection { return c.editorConn }

// Done returns a channel closed once the editor connection has torn
// down, letting a caller select between this and an OS signal instead
// of only reacting to the latter.
func (c *Conductor) Done() <-chan struct{} { return c.editorConn.Done() }

// Start begins all reader loops: the editor connection and every
// component connection, plus one crash-monitor goroutine per real
// spawned component. Call once, then wait on Done for teardown.
func (c *Conductor) Start() {
	c.editorConn.Start()
	for _, slot := range c.slots {
		slot.conn.Start()
		if slot.cmd != nil {
			go c.monitorSlot(slot)
		}
	}
}

// monitorSlot blocks until a real spawned component's process exits
// and tears down the whole chain, since a proxy process dying for any
// reason is unrecoverable for every hop downstream of it (spec.md §4.3
// "proxy crash: fatal"). A deliberate Close already in progress makes
// this a harmless second call.
func (c *Conductor) monitorSlot(slot *Slot) {
	if err := slot.wait(); err != nil {
		c.logger.WithError(err).Warn("component exited", zap.Int("index", slot.Index), zap.String("name", slot.Name))
	} else {
		c.logger.Warn("component exited", zap.Int("index", slot.Index), zap.String("name", slot.Name))
	}
	c.Close()
}

// Close tears down every connection and kills any real spawned
// processes still running. Editor disconnect and fatal component
// failure both route through here (spec.md §4.3 "Failure semantics").
func (c *Conductor) Close() {
	c.closeOnce.Do(func() {
		_ = c.editorConn.Close()
		for _, slot := range c.slots {
			_ = slot.conn.Close()
			slot.kill()
		}
	})
}

// componentHandler builds the handler chain installed on slot index's
// connection: the sideband relay methods, then a catch-all that
// treats any other inbound message as originating at this slot and
// flowing toward the editor.
func (c *Conductor) componentHandler(index int) jsonrpc.Handler {
	toSuccessorReq := jsonrpc.NewTypedHandler[RelayParams, json.RawMessage](MethodRelayToSuccessor,
		func(ctx context.Context, req RelayParams) (json.RawMessage, *jsonrpc.Error, error) {
			result, err := c.relayForward(ctx, index, req.Method, req.Params)
			if err != nil {
				return nil, toRPCError(err), nil
			}
			return result, nil, nil
		})

	toSuccessorNotify := jsonrpc.NewTypedNotificationHandler[RelayParams](MethodRelayToSuccessorNotify,
		func(ctx context.Context, req RelayParams) {
			c.relayForwardNotify(ctx, index, req.Method, req.Params)
		})

	catchAll := &jsonrpc.AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
			result, err := c.relayBackward(ctx, index, rc.Method, rc.Params)
			if err != nil {
				return jsonrpc.Handled, rc.RespondError(toRPCError(err))
			}
			return jsonrpc.Handled, rc.RespondRaw(result)
		},
		OnNotification: func(ctx context.Context, nc *jsonrpc.NotificationContext) jsonrpc.Result {
			c.relayBackwardNotify(ctx, index, nc.Method, nc.Params)
			return jsonrpc.Handled
		},
	}

	return jsonrpc.NewChain(toSuccessorReq, toSuccessorNotify, catchAll)
}

// editorHandler builds the handler chain installed on the editor
// connection: everything the editor sends is client-to-agent bound
// and flows forward, starting at slot 0.
func (c *Conductor) editorHandler() jsonrpc.Handler {
	return &jsonrpc.AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
			result, err := c.relayForward(ctx, -1, rc.Method, rc.Params)
			if err != nil {
				return jsonrpc.Handled, rc.RespondError(toRPCError(err))
			}
			return jsonrpc.Handled, rc.RespondRaw(result)
		},
		OnNotification: func(ctx context.Context, nc *jsonrpc.NotificationContext) jsonrpc.Result {
			c.relayForwardNotify(ctx, -1, nc.Method, nc.Params)
			return jsonrpc.Handled
		},
	}
}

// relayForward delivers a client-to-agent-direction message one hop
// further than fromIndex (fromIndex == -1 means "from the editor").
// initialize gets the capability-handshake treatment described in
// spec.md §4.3; every other method passes through unchanged.
func (c *Conductor) relayForward(ctx context.Context, fromIndex int, method string, params json.RawMessage) (json.RawMessage, error) {
	targetIndex := fromIndex + 1
	if targetIndex < 0 || targetIndex >= len(c.slots) {
		return nil, jsonrpc.InternalError(fmt.Sprintf("no successor for component %d", fromIndex))
	}
	isLast := targetIndex == len(c.slots)-1

	outParams := params
	if method == acp.MethodInitialize && !isLast {
		stamped, err := acp.SetMetaProxyOffer(params)
		if err != nil {
			return nil, jsonrpc.InternalError(err.Error())
		}
		outParams = stamped
	}
	if method == acp.MethodSessionNew && isLast && c.onSessionNew != nil {
		rewritten, err := c.onSessionNew(outParams, c.mcpNative())
		if err != nil {
			return nil, jsonrpc.InternalError(err.Error())
		}
		outParams = rewritten
	}

	result, err := c.slots[targetIndex].conn.SendRequest(ctx, method, json.RawMessage(outParams))
	if err != nil {
		return nil, err
	}

	if method == acp.MethodInitialize {
		if !isLast && !acp.HasMetaProxyConfirmed(result) {
			return nil, jsonrpc.NotAProxy(targetIndex)
		}
		if isLast {
			c.setMCPNative(acp.HasMetaMCPTransport(result))
		}
	}
	return result, nil
}

func (c *Conductor) relayForwardNotify(ctx context.Context, fromIndex int, method string, params json.RawMessage) {
	targetIndex := fromIndex + 1
	if targetIndex < 0 || targetIndex >= len(c.slots) {
		c.logger.Warn("dropping forward notification with no successor", zap.Int("from", fromIndex), zap.String("method", method))
		return
	}
	if err := c.slots[targetIndex].conn.SendNotification(method, json.RawMessage(params)); err != nil {
		c.logger.WithError(err).Warn("forwarding notification failed", zap.String("method", method))
	}
}

// relayBackward delivers an agent-to-client-direction message that
// originated at fromIndex one hop toward the editor (fromIndex-1, or
// the editor itself when fromIndex == 0).
func (c *Conductor) relayBackward(ctx context.Context, fromIndex int, method string, params json.RawMessage) (json.RawMessage, error) {
	targetIndex := fromIndex - 1
	if targetIndex < -1 {
		return nil, jsonrpc.InternalError(fmt.Sprintf("no predecessor for component %d", fromIndex))
	}
	if targetIndex == -1 {
		return c.editorConn.SendRequest(ctx, method, json.RawMessage(params))
	}
	wrapped := RelayParams{Method: method, Params: params}
	return c.slots[targetIndex].conn.SendRequest(ctx, MethodRelayFromSuccessor, wrapped)
}

func (c *Conductor) relayBackwardNotify(ctx context.Context, fromIndex int, method string, params json.RawMessage) {
	targetIndex := fromIndex - 1
	if targetIndex < -1 {
		c.logger.Warn("dropping backward notification with no predecessor", zap.Int("from", fromIndex), zap.String("method", method))
		return
	}
	if targetIndex == -1 {
		if err := c.editorConn.SendNotification(method, json.RawMessage(params)); err != nil {
			c.logger.WithError(err).Warn("notifying editor failed", zap.String("method", method))
		}
		return
	}
	wrapped := RelayParams{Method: method, Params: params}
	if err := c.slots[targetIndex].conn.SendNotification(MethodRelayFromSuccessorNotify, wrapped); err != nil {
		c.logger.WithError(err).Warn("relaying notification backward failed", zap.String("method", method))
	}
}

// InjectFromAgent delivers a request as though it originated at the
// terminal agent's slot, one hop toward the editor. The MCP TCP shim
// uses this to route _mcp/* traffic from a dialed-in helper process
// back into the chain, at whichever proxy hop owns the matching
// registry (spec.md §4.4).
func (c *Conductor) InjectFromAgent(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return c.relayBackward(ctx, len(c.slots)-1, method, params)
}

// InjectFromAgentNotify is InjectFromAgent's notification counterpart.
func (c *Conductor) InjectFromAgentNotify(ctx context.Context, method string, params json.RawMessage) {
	c.relayBackwardNotify(ctx, len(c.slots)-1, method, params)
}

func (c *Conductor) mcpNative() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentNativeMCP
}

func (c *Conductor) setMCPNative(v bool) {
	c.mu.Lock()
	c.agentNativeMCP = v
	c.mu.Unlock()
}

func toRPCError(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	if hsErr, ok := err.(*jsonrpc.HandshakeError); ok {
		return hsErr.AsRPCError()
	}
	return jsonrpc.InternalError(err.Error())
}
