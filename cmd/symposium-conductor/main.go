// Package main is the conductor binary: spawning a chain of proxy
// commands plus a terminal agent over its own stdio, and the "mcp"
// subcommand the TCP shim hands to agents that lack native MCP-over-ACP
// transport (spec.md §6 "CLI surface").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symposium-conductor <proxy-cmd> [<proxy-cmd> ...]",
		Short: "Spawn an ACP proxy chain and route messages between editor and agent",
		Long: `symposium-conductor spawns each <proxy-cmd> in order, wires a JSON-RPC
connection to each one's stdio, and routes ACP messages hop-by-hop between
its own stdio (the editor side) and the chain. The last command is the
terminal agent; every command before it is expected to answer the
capability-negotiating initialize handshake as a proxy.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConductor,
	}
	cmd.AddCommand(mcpCmd())
	return cmd
}
