package mcpbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/pkg/acp"
)

// Shim is the Conductor-side half of the MCP bridge for agents that
// never advertised meta.symposium.mcp_acp_transport on their
// initialize response. It rewrites session/new's mcp_servers entries
// from the synthetic acp:<uuid> url a proxy's Registry hands out into
// a stdio command pointing back at this binary's "mcp" subcommand, and
// bridges whatever that helper process sends over its ephemeral TCP
// listener into _mcp/* requests injected back into the chain (spec.md
// §4.4 "MCP TCP shim state (in Conductor, agent-side)").
type Shim struct {
	logger       *logging.Logger
	bindHost     string
	conductorBin string

	// inject delivers a request as if it arrived from the agent's slot,
	// i.e. a call to Conductor.relayBackward with fromIndex set to the
	// last slot. injectNotify is its notification counterpart.
	inject       func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	injectNotify func(ctx context.Context, method string, params json.RawMessage)

	mu         sync.Mutex
	listeners  map[string]net.Listener
	portsByURL map[string]int
}

// NewShim builds a Shim. bindHost is normally "127.0.0.1"; conductorBin
// is the path (or exec.LookPath-resolvable name) of this binary, used
// to populate the rewritten mcp_servers stdio command.
func NewShim(bindHost, conductorBin string, logger *logging.Logger,
	inject func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error),
	injectNotify func(ctx context.Context, method string, params json.RawMessage),
) *Shim {
	return &Shim{
		logger:       logger,
		bindHost:     bindHost,
		conductorBin: conductorBin,
		inject:       inject,
		injectNotify: injectNotify,
		listeners:    make(map[string]net.Listener),
		portsByURL:   make(map[string]int),
	}
}

// RewriteSessionServers rewrites every acp:-url http entry in a
// session/new request into a stdio entry for the "mcp <port>" helper,
// binding a fresh ephemeral listener per acp_url the first time it's
// seen (spec.md §4.4 point 4).
func (s *Shim) RewriteSessionServers(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var req acp.NewSessionRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
	}

	for i, entry := range req.McpServers {
		if entry.HTTP == nil || !strings.HasPrefix(entry.HTTP.URL, "acp:") {
			continue
		}
		port, err := s.ensureListener(ctx, entry.HTTP.URL)
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: binding shim for %s: %w", entry.HTTP.URL, err)
		}
		req.McpServers[i] = acp.McpServerEntry{Stdio: &acp.McpServerStdio{
			Name:    entry.HTTP.Name,
			Command: s.conductorBin,
			Args:    []string{"mcp", strconv.Itoa(port)},
		}}
	}

	return json.Marshal(req)
}

func (s *Shim) ensureListener(ctx context.Context, acpURL string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port, ok := s.portsByURL[acpURL]; ok {
		return port, nil
	}

	ln, err := net.Listen("tcp", s.bindHost+":0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.portsByURL[acpURL] = port
	s.listeners[acpURL] = ln

	go s.acceptLoop(ctx, acpURL, ln)
	return port, nil
}

// Close shuts down every bound listener. Not part of a hot path;
// called once when the chain tears down.
func (s *Shim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for url, ln := range s.listeners {
		_ = ln.Close()
		delete(s.listeners, url)
	}
}

func (s *Shim) acceptLoop(ctx context.Context, acpURL string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(ctx, acpURL, conn)
	}
}

// serveConn performs the _mcp/connect handshake on behalf of whatever
// dialed in, then bridges line-delimited raw MCP JSON-RPC frames
// between the socket and _mcp/request, _mcp/notification,
// _mcp/disconnect injected back into the chain at the agent's slot.
func (s *Shim) serveConn(ctx context.Context, acpURL string, conn net.Conn) {
	defer conn.Close()

	connectResp, err := s.inject(ctx, acp.MethodMCPConnect, mustMarshal(connectParams{AcpURL: acpURL}))
	if err != nil {
		s.logger.WithError(err).Warn("mcp shim connect failed", zap.String("acp_url", acpURL))
		return
	}
	var cr connectResult
	if err := json.Unmarshal(connectResp, &cr); err != nil {
		s.logger.WithError(err).Warn("mcp shim connect: malformed response")
		return
	}
	defer s.injectNotify(ctx, acp.MethodMCPDisconnect, mustMarshal(disconnectParams{ConnectionID: cr.ConnectionID}))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := append([]byte(nil), line...)

		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(msg, &probe)

		if probe.ID != nil {
			respRaw, err := s.inject(ctx, acp.MethodMCPRequest, mustMarshal(requestParams{
				ConnectionID: cr.ConnectionID,
				Request:      msg,
			}))
			if err != nil {
				s.logger.WithError(err).Warn("mcp shim request failed")
				continue
			}
			if _, err := conn.Write(append(respRaw, '\n')); err != nil {
				return
			}
			continue
		}

		s.injectNotify(ctx, acp.MethodMCPNotification, mustMarshal(notificationParams{
			ConnectionID: cr.ConnectionID,
			Notification: msg,
		}))
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mcpbridge: marshal %T: %v", v, err))
	}
	return data
}
