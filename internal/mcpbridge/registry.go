// Package mcpbridge implements the MCP-over-ACP bridge: the registry
// a proxy keeps for the synthetic MCP servers it exposes to the agent,
// and the Conductor-side TCP shim for agents without native
// `_mcp/*` transport (spec.md §4.4).
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// ErrNotOwned is returned internally when a requested acp_url or
// connection_id isn't registered with this Registry. Handlers turn it
// into jsonrpc.NotHandled so the message walks further down the chain
// (spec.md §4.4 point 3, §9 "adopt: unknown connection_id or acp_url
// means return NotHandled").
var ErrNotOwned = errors.New("mcpbridge: not owned by this registry")

type registeredServer struct {
	name  string
	url   string
	build func() *server.MCPServer
}

type session struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	toServer   io.WriteCloser
	fromServer *bufio.Scanner
	closed     bool
}

// Registry is the process-wide structure a proxy keeps to advertise
// MCP servers and track live bridge sessions (spec.md §3 "MCP bridge
// registry").
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*registeredServer
	byURL    map[string]*registeredServer
	sessions map[string]*session
	nextConn uint64
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*registeredServer),
		byURL:    make(map[string]*registeredServer),
		sessions: make(map[string]*session),
	}
}

// RegisterServer advertises an MCP server under name, built fresh by
// build for every incoming _mcp/connect. Returns the synthetic
// acp:<uuid> url, or "" if name is already registered in this
// Registry: the first registration wins and the duplicate is ignored
// without being logged. Names are only compared within this one
// Registry; two proxies in a chain may each register the same name.
func (r *Registry) RegisterServer(name string, build func() *server.MCPServer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return ""
	}
	url := "acp:" + uuid.NewString()
	rs := &registeredServer{name: name, url: url, build: build}
	r.byName[name] = rs
	r.byURL[url] = rs
	return url
}

// EnrichSessionNew adds an mcp_servers entry for every registered
// server to a session/new request, in a deterministic (name-sorted)
// order (spec.md §4.4 point 2).
func (r *Registry) EnrichSessionNew(raw json.RawMessage) (json.RawMessage, error) {
	var req acp.NewSessionRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs := r.byName[name]
		req.McpServers = append(req.McpServers, acp.McpServerEntry{
			HTTP: &acp.McpServerHTTP{Name: rs.name, URL: rs.url, Transport: "http"},
		})
	}
	r.mu.RUnlock()

	return json.Marshal(req)
}

// connect spins up a fresh instance of the server registered under
// acpURL over an in-memory duplex pair, and returns a new connection
// id for it (spec.md §4.4 point 3, MCP invariant 1: "each _mcp/connect
// produces at most one live connection_id").
func (r *Registry) connect(acpURL string) (string, error) {
	r.mu.RLock()
	rs, ok := r.byURL[acpURL]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotOwned
	}

	serverIn, toServer := io.Pipe()
	fromServer, serverOut := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	mcpServer := rs.build()
	stdio := server.NewStdioServer(mcpServer)
	go func() { _ = stdio.Listen(ctx, serverIn, serverOut) }()

	scanner := bufio.NewScanner(fromServer)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	connID := fmt.Sprintf("c%d", atomic.AddUint64(&r.nextConn, 1))
	sess := &session{cancel: cancel, toServer: toServer, fromServer: scanner}

	r.mu.Lock()
	r.sessions[connID] = sess
	r.mu.Unlock()
	return connID, nil
}

// request forwards a single MCP request to connID's server and waits
// for its response line. Requests on one connection are serialized by
// the session's own mutex, matching the one-in-flight-at-a-time model
// a single MCP stdio transport expects.
func (r *Registry) request(connID string, req json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	sess := r.sessions[connID]
	r.mu.RUnlock()
	if sess == nil {
		return nil, ErrNotOwned
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, ErrNotOwned
	}

	line := append(append([]byte(nil), req...), '\n')
	if _, err := sess.toServer.Write(line); err != nil {
		return nil, err
	}
	if !sess.fromServer.Scan() {
		return nil, fmt.Errorf("mcpbridge: session %s closed before responding", connID)
	}
	return json.RawMessage(append([]byte(nil), sess.fromServer.Bytes()...)), nil
}

// notify forwards a one-way MCP notification to connID's server.
func (r *Registry) notify(connID string, n json.RawMessage) error {
	r.mu.RLock()
	sess := r.sessions[connID]
	r.mu.RUnlock()
	if sess == nil {
		return ErrNotOwned
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrNotOwned
	}
	line := append(append([]byte(nil), n...), '\n')
	_, err := sess.toServer.Write(line)
	return err
}

// disconnect tears down connID's session. Idempotent: an unknown id is
// a no-op (spec.md MCP invariant 2).
func (r *Registry) disconnect(connID string) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if !sess.closed {
		sess.closed = true
		sess.cancel()
		_ = sess.toServer.Close()
	}
	sess.mu.Unlock()
}

type connectParams struct {
	AcpURL string `json:"acp_url"`
}

type connectResult struct {
	ConnectionID string `json:"connection_id"`
}

type requestParams struct {
	ConnectionID string          `json:"connection_id"`
	Request      json.RawMessage `json:"request"`
}

type notificationParams struct {
	ConnectionID string          `json:"connection_id"`
	Notification json.RawMessage `json:"notification"`
}

type disconnectParams struct {
	ConnectionID string `json:"connection_id"`
}

// Handlers returns the four ACP extension-method handlers for this
// registry, in the order they should be tried: connect, request,
// notification, disconnect. Installing them ahead of a proxy's
// transparent-forwarding fallback lets an owned acp_url/connection_id
// be served locally while an unowned one falls through (spec.md §4.4).
func (r *Registry) Handlers() []jsonrpc.Handler {
	return []jsonrpc.Handler{
		&connectHandler{r: r},
		&requestHandler{r: r},
		&notificationHandler{r: r},
		&disconnectHandler{r: r},
	}
}

type connectHandler struct {
	jsonrpc.BaseHandler
	r *Registry
}

func (h *connectHandler) HandleRequest(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
	if rc.Method != acp.MethodMCPConnect {
		return jsonrpc.NotHandled, nil
	}
	var p connectParams
	if err := json.Unmarshal(rc.Params, &p); err != nil {
		return jsonrpc.Handled, rc.RespondError(jsonrpc.InvalidParams(err.Error()))
	}
	connID, err := h.r.connect(p.AcpURL)
	if errors.Is(err, ErrNotOwned) {
		return jsonrpc.NotHandled, nil
	}
	if err != nil {
		return jsonrpc.Handled, rc.RespondError(jsonrpc.InternalError(err.Error()))
	}
	return jsonrpc.Handled, rc.Respond(connectResult{ConnectionID: connID})
}

type requestHandler struct {
	jsonrpc.BaseHandler
	r *Registry
}

func (h *requestHandler) HandleRequest(ctx context.Context, rc *jsonrpc.RequestContext) (jsonrpc.Result, error) {
	if rc.Method != acp.MethodMCPRequest {
		return jsonrpc.NotHandled, nil
	}
	var p requestParams
	if err := json.Unmarshal(rc.Params, &p); err != nil {
		return jsonrpc.Handled, rc.RespondError(jsonrpc.InvalidParams(err.Error()))
	}
	result, err := h.r.request(p.ConnectionID, p.Request)
	if errors.Is(err, ErrNotOwned) {
		return jsonrpc.NotHandled, nil
	}
	if err != nil {
		return jsonrpc.Handled, rc.RespondError(jsonrpc.InternalError(err.Error()))
	}
	return jsonrpc.Handled, rc.RespondRaw(result)
}

type notificationHandler struct {
	jsonrpc.BaseHandler
	r *Registry
}

func (h *notificationHandler) HandleNotification(ctx context.Context, nc *jsonrpc.NotificationContext) jsonrpc.Result {
	if nc.Method != acp.MethodMCPNotification {
		return jsonrpc.NotHandled
	}
	var p notificationParams
	if err := json.Unmarshal(nc.Params, &p); err != nil {
		return jsonrpc.Handled
	}
	if err := h.r.notify(p.ConnectionID, p.Notification); errors.Is(err, ErrNotOwned) {
		return jsonrpc.NotHandled
	}
	return jsonrpc.Handled
}

type disconnectHandler struct {
	jsonrpc.BaseHandler
	r *Registry
}

func (h *disconnectHandler) HandleNotification(ctx context.Context, nc *jsonrpc.NotificationContext) jsonrpc.Result {
	if nc.Method != acp.MethodMCPDisconnect {
		return jsonrpc.NotHandled
	}
	var p disconnectParams
	if err := json.Unmarshal(nc.Params, &p); err != nil {
		return jsonrpc.Handled
	}
	h.r.disconnect(p.ConnectionID)
	return jsonrpc.Handled
}
