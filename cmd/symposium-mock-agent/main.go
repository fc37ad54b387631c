// Package main implements a standalone stub ACP agent: it speaks real
// JSON-RPC framing over stdin/stdout and answers initialize,
// session/new, session/prompt, and session/cancel with canned values,
// for manually smoke-testing a conductor chain end to end without a
// real coding agent on the other end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/pkg/acp"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

func main() {
	sessionID := flag.String("session-id", "mock-session-1", "session_id to return from session/new")
	stopReason := flag.String("stop-reason", "end_turn", "stop_reason to return from session/prompt")
	nativeMCP := flag.Bool("native-mcp", false, "advertise meta.symposium.mcp_acp_transport on initialize")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "symposium-mock-agent: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	conn := jsonrpc.NewConnection(os.Stdout, os.Stdin, jsonrpc.WithLogger(logger), jsonrpc.WithName("mock-agent"))

	initHandler := jsonrpc.NewTypedHandler[acp.InitializeRequest, acp.InitializeResponse](acp.MethodInitialize,
		func(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, *jsonrpc.Error, error) {
			resp := acp.InitializeResponse{
				ProtocolVersion: req.ProtocolVersion,
				AgentInfo:       &acp.Implementation{Name: "symposium-mock-agent", Version: "0.1.0"},
			}
			if *nativeMCP {
				resp.Meta = &acp.Meta{Symposium: &acp.SymposiumMeta{MCPACPTransport: true}}
			}
			return resp, nil, nil
		})

	sessionNewHandler := jsonrpc.NewTypedHandler[acp.NewSessionRequest, acp.NewSessionResponse](acp.MethodSessionNew,
		func(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, *jsonrpc.Error, error) {
			logger.Info("session/new", zap.String("cwd", req.Cwd), zap.Int("mcp_servers", len(req.McpServers)))
			return acp.NewSessionResponse{SessionID: *sessionID}, nil, nil
		})

	promptHandler := jsonrpc.NewTypedHandler[acp.PromptRequest, acp.PromptResponse](acp.MethodSessionPrompt,
		func(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, *jsonrpc.Error, error) {
			for _, block := range req.Prompt {
				logger.Info("session/prompt content", zap.String("type", block.Type), zap.String("text", block.Text))
			}
			return acp.PromptResponse{StopReason: *stopReason}, nil, nil
		})

	cancelHandler := jsonrpc.NewTypedNotificationHandler[acp.CancelNotification](acp.MethodSessionCancel,
		func(ctx context.Context, n acp.CancelNotification) {
			logger.Info("session/cancel", zap.String("session_id", n.SessionID))
		})

	conn.SetHandlerChain(jsonrpc.NewChain(initHandler, sessionNewHandler, promptHandler, cancelHandler))
	conn.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	_ = conn.Close()
}
