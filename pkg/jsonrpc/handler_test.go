package jsonrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChainPassesSameContext verifies the chain composition law: if H1
// returns NotHandled, H2 must see exactly the same RequestContext H1 saw
// (same ID, Method, Params) — no mutation, no re-wrapping.
func TestChainPassesSameContext(t *testing.T) {
	var h1Seen, h2Seen *RequestContext

	h1 := &AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *RequestContext) (Result, error) {
			h1Seen = rc
			return NotHandled, nil
		},
	}
	h2 := &AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *RequestContext) (Result, error) {
			h2Seen = rc
			return Handled, rc.Respond(map[string]string{"ok": "yes"})
		},
	}

	chain := NewChain(h1, h2)
	rc := &RequestContext{ID: NewIntID(1), Method: "foo", Params: RawMessage(`{"a":1}`)}
	rc.responseCh = make(chan *Response, 1)

	result, err := chain.HandleRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, Handled, result)
	require.Same(t, h1Seen, h2Seen)
	assert.Equal(t, rc, h1Seen)
}

func TestChainStopsAtFirstHandled(t *testing.T) {
	calls := 0
	h1 := &AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *RequestContext) (Result, error) {
			calls++
			return Handled, rc.Respond("first")
		},
	}
	h2 := &AllMessagesHandler{
		OnRequest: func(ctx context.Context, rc *RequestContext) (Result, error) {
			calls++
			return Handled, rc.Respond("second")
		},
	}
	chain := NewChain(h1, h2)
	rc := &RequestContext{ID: NewIntID(1), Method: "foo"}
	rc.responseCh = make(chan *Response, 1)

	_, err := chain.HandleRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestTypedHandlerMatchesMethodAndDecodesParams(t *testing.T) {
	type Req struct {
		Name string `json:"name"`
	}
	type Resp struct {
		Greeting string `json:"greeting"`
	}

	h := NewTypedHandler[Req, Resp]("greet", func(ctx context.Context, req Req) (Resp, *Error, error) {
		return Resp{Greeting: "hello " + req.Name}, nil, nil
	})

	rc := &RequestContext{ID: NewIntID(1), Method: "greet", Params: RawMessage(`{"name":"ada"}`)}
	rc.responseCh = make(chan *Response, 1)

	result, err := h.HandleRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, Handled, result)

	resp := <-rc.responseCh
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(resp.Result))
}

func TestTypedHandlerDeclinesOtherMethods(t *testing.T) {
	h := NewTypedHandler[struct{}, struct{}]("greet", func(ctx context.Context, req struct{}) (struct{}, *Error, error) {
		t.Fatal("should not be called")
		return struct{}{}, nil, nil
	})
	rc := &RequestContext{ID: NewIntID(1), Method: "other"}
	result, err := h.HandleRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, NotHandled, result)
}

func TestTypedHandlerInvalidParams(t *testing.T) {
	type Req struct {
		Name string `json:"name"`
	}
	h := NewTypedHandler[Req, struct{}]("greet", func(ctx context.Context, req Req) (struct{}, *Error, error) {
		return struct{}{}, nil, nil
	})
	rc := &RequestContext{ID: NewIntID(1), Method: "greet", Params: RawMessage(`not json`)}
	rc.responseCh = make(chan *Response, 1)

	result, err := h.HandleRequest(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, Handled, result)
	resp := <-rc.responseCh
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestRequestContextEnsureRespondedSynthesizesInternalError(t *testing.T) {
	rc := &RequestContext{ID: NewIntID(1), Method: "dropped"}
	rc.responseCh = make(chan *Response, 1)
	rc.ensureResponded()

	resp := <-rc.responseCh
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestRequestContextRespondIsIdempotent(t *testing.T) {
	rc := &RequestContext{ID: NewIntID(1), Method: "x"}
	rc.responseCh = make(chan *Response, 1)

	require.NoError(t, rc.Respond("first"))
	require.NoError(t, rc.Respond("second"))

	resp := <-rc.responseCh
	assert.JSONEq(t, `"first"`, string(resp.Result))
	assert.Len(t, rc.responseCh, 0)
}
