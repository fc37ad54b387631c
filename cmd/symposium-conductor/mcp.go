package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nikomatsakis/symposium/internal/config"
	"github.com/nikomatsakis/symposium/internal/mcpbridge"
)

// mcpCmd is "conductor mcp <port>": the helper process the Conductor's
// TCP shim rewrites session/new.mcp_servers entries to point at, for
// agents that don't declare native mcp_acp_transport support (spec.md
// §4.4, §6).
func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "mcp <port>",
		Short:         "Bridge this process's stdio to the conductor's MCP TCP shim",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			stdin, stdout := mcpbridge.Stdio()
			return mcpbridge.RunHelper(context.Background(), port,
				cfg.MCPBridge.DialInitialBackoff, cfg.MCPBridge.DialMaxBackoff, cfg.MCPBridge.DialMaxAttempts,
				stdin, stdout)
		},
	}
}
