package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikomatsakis/symposium/internal/conductor"
	"github.com/nikomatsakis/symposium/internal/config"
	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/internal/mcpbridge"
)

// runConductor is the root command's RunE: spawn the proxy chain named
// by args and route editor traffic over the process's own stdio until
// a termination signal arrives or the chain fails fatally.
func runConductor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	specs, err := buildSpecs(args)
	if err != nil {
		return err
	}

	conductorBin, err := os.Executable()
	if err != nil {
		conductorBin = "symposium-conductor"
	}

	var cond *conductor.Conductor
	shim := mcpbridge.NewShim(cfg.MCPBridge.BindHost, conductorBin, log,
		func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			return cond.InjectFromAgent(ctx, method, params)
		},
		func(ctx context.Context, method string, params json.RawMessage) {
			cond.InjectFromAgentNotify(ctx, method, params)
		},
	)
	defer shim.Close()

	rewriter := func(params json.RawMessage, agentNativeMCP bool) (json.RawMessage, error) {
		if agentNativeMCP {
			return params, nil
		}
		return shim.RewriteSessionServers(context.Background(), params)
	}

	cond, err = conductor.New(os.Stdout, os.Stdin, specs,
		conductor.WithLogger(log),
		conductor.WithSessionNewRewriter(rewriter),
	)
	if err != nil {
		return fmt.Errorf("spawning component chain: %w", err)
	}
	cond.Start()

	log.Info("conductor chain running", zap.Int("components", len(specs)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("conductor shutting down")
	case <-cond.Done():
		log.Warn("conductor chain tore down unexpectedly")
	}

	cond.Close()
	return nil
}

// buildSpecs turns each positional argument into a component spec. Per
// spec.md §6, each <proxy-cmd> is one CLI argument; the command and its
// own arguments within it are whitespace-separated, so a proxy that
// needs argument values containing spaces should be given a wrapper
// script instead.
func buildSpecs(args []string) ([]conductor.ComponentSpec, error) {
	specs := make([]conductor.ComponentSpec, 0, len(args))
	for i, arg := range args {
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return nil, fmt.Errorf("proxy command %d is empty", i)
		}
		specs = append(specs, conductor.ComponentSpec{
			Name:    fmt.Sprintf("%s[%d]", filepath.Base(fields[0]), i),
			Command: fields[0],
			Args:    fields[1:],
		})
	}
	return specs, nil
}
