package jsonrpc

import (
	"context"
	"encoding/json"
)

// Result is what a handler returns for a message it was offered: either
// it handled the message (and, for requests, must have responded), or
// it declined and the engine should offer the message to the next
// handler in the chain (spec.md §3 "handler chain", §8 P3).
type Result int

const (
	// NotHandled means "pass the same message-context to the next handler".
	NotHandled Result = iota
	// Handled means "stop; no further handler sees this message".
	Handled
)

// RequestContext is given to handlers for each inbound request. Exactly
// one of Respond or RespondError must be called; if neither is called
// before the context is dropped, the engine synthesizes a generic
// internal-error response so the peer never hangs (spec.md §3, §9).
type RequestContext struct {
	ID     ID
	Method string
	Params RawMessage

	conn       *Connection
	responded  bool
	responseCh chan<- *Response
}

// Respond sends a successful response with the given result, which is
// marshaled to JSON. It is a programmer error to call this more than
// once, or after RespondError.
func (rc *RequestContext) Respond(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return rc.RespondError(InternalError(err.Error()))
	}
	return rc.respond(&Response{JSONRPC: Version, ID: rc.ID, Result: data})
}

// RespondRaw sends a successful response whose result is already
// encoded JSON.
func (rc *RequestContext) RespondRaw(result RawMessage) error {
	return rc.respond(&Response{JSONRPC: Version, ID: rc.ID, Result: result})
}

// RespondError sends a JSON-RPC error response.
func (rc *RequestContext) RespondError(rpcErr *Error) error {
	return rc.respond(&Response{JSONRPC: Version, ID: rc.ID, Error: rpcErr})
}

func (rc *RequestContext) respond(resp *Response) error {
	if rc.responded {
		return nil
	}
	rc.responded = true
	rc.responseCh <- resp
	return nil
}

// ensureResponded synthesizes an internal-error response if the
// handler chain dropped this request without answering it. Called by
// Connection after walking the chain.
func (rc *RequestContext) ensureResponded() {
	if !rc.responded {
		_ = rc.RespondError(InternalError("request dropped without a response"))
	}
}

// NotificationContext is given to handlers for each inbound
// notification. Notifications have no response channel: handler
// errors are logged, never returned to the peer (spec.md §7).
type NotificationContext struct {
	Method string
	Params RawMessage
}

// RequestHandler is implemented by anything that wants a chance to
// answer inbound requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, rc *RequestContext) (Result, error)
}

// NotificationHandler is implemented by anything that wants a chance to
// observe inbound notifications.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, nc *NotificationContext) Result
}

// Handler combines both; most real handlers implement both methods,
// declining (NotHandled) whichever kind they don't care about.
type Handler interface {
	RequestHandler
	NotificationHandler
}

// BaseHandler can be embedded by a Handler implementation that only
// cares about one of the two message kinds; the embedded no-op methods
// satisfy the other half of the Handler interface.
type BaseHandler struct{}

func (BaseHandler) HandleRequest(context.Context, *RequestContext) (Result, error) {
	return NotHandled, nil
}

func (BaseHandler) HandleNotification(context.Context, *NotificationContext) Result {
	return NotHandled
}

// Chain tries each handler in order, stopping at the first one that
// returns Handled. It implements Handler itself, so chains nest
// (spec.md §8 P3: "if H1 returns NotHandled, H2 sees exactly the same
// message-context H1 saw").
type Chain struct {
	handlers []Handler
}

// NewChain builds a Chain trying handlers in the given order.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Append adds a handler to the end of the chain (tried last, before
// the engine's own "method not found" fallback).
func (c *Chain) Append(h Handler) {
	c.handlers = append(c.handlers, h)
}

func (c *Chain) HandleRequest(ctx context.Context, rc *RequestContext) (Result, error) {
	for _, h := range c.handlers {
		result, err := h.HandleRequest(ctx, rc)
		if err != nil {
			return Handled, err
		}
		if result == Handled {
			return Handled, nil
		}
	}
	return NotHandled, nil
}

func (c *Chain) HandleNotification(ctx context.Context, nc *NotificationContext) Result {
	for _, h := range c.handlers {
		if h.HandleNotification(ctx, nc) == Handled {
			return Handled
		}
	}
	return NotHandled
}

// TypedHandler binds a single method to a decoder for its request type
// and a callback producing a response. It is the "typed handler"
// compositional primitive required by spec.md §4.1: it matches by
// method name and payload type, replying -32602 on a decode failure.
type TypedHandler[Req any, Resp any] struct {
	BaseHandler
	Method  string
	Handle  func(ctx context.Context, req Req) (Resp, *Error, error)
}

// NewTypedHandler builds a TypedHandler for the given method.
func NewTypedHandler[Req any, Resp any](method string, fn func(context.Context, Req) (Resp, *Error, error)) *TypedHandler[Req, Resp] {
	return &TypedHandler[Req, Resp]{Method: method, Handle: fn}
}

func (t *TypedHandler[Req, Resp]) HandleRequest(ctx context.Context, rc *RequestContext) (Result, error) {
	if rc.Method != t.Method {
		return NotHandled, nil
	}

	var req Req
	if len(rc.Params) > 0 {
		if err := json.Unmarshal(rc.Params, &req); err != nil {
			return Handled, rc.RespondError(InvalidParams(err.Error()))
		}
	}

	resp, rpcErr, err := t.Handle(ctx, req)
	if err != nil {
		return Handled, rc.RespondError(InternalError(err.Error()))
	}
	if rpcErr != nil {
		return Handled, rc.RespondError(rpcErr)
	}
	return Handled, rc.Respond(resp)
}

// TypedNotificationHandler is the notification analogue of TypedHandler.
type TypedNotificationHandler[Params any] struct {
	BaseHandler
	Method string
	Handle func(ctx context.Context, params Params)
}

// NewTypedNotificationHandler builds a TypedNotificationHandler.
func NewTypedNotificationHandler[Params any](method string, fn func(context.Context, Params)) *TypedNotificationHandler[Params] {
	return &TypedNotificationHandler[Params]{Method: method, Handle: fn}
}

func (t *TypedNotificationHandler[Params]) HandleNotification(ctx context.Context, nc *NotificationContext) Result {
	if nc.Method != t.Method {
		return NotHandled
	}
	var params Params
	if len(nc.Params) > 0 {
		if err := json.Unmarshal(nc.Params, &params); err != nil {
			return NotHandled
		}
	}
	t.Handle(ctx, params)
	return Handled
}

// AllMessagesHandler forwards every request/notification (in untyped
// form) to user callbacks. Proxies that relay any method without
// enumerating them are built on this primitive (spec.md §4.1).
type AllMessagesHandler struct {
	OnRequest      func(ctx context.Context, rc *RequestContext) (Result, error)
	OnNotification func(ctx context.Context, nc *NotificationContext) Result
}

func (a *AllMessagesHandler) HandleRequest(ctx context.Context, rc *RequestContext) (Result, error) {
	if a.OnRequest == nil {
		return NotHandled, nil
	}
	return a.OnRequest(ctx, rc)
}

func (a *AllMessagesHandler) HandleNotification(ctx context.Context, nc *NotificationContext) Result {
	if a.OnNotification == nil {
		return NotHandled
	}
	return a.OnNotification(ctx, nc)
}
