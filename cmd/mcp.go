package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets AI coding agents register their sessions, acquire resource
locks, and coordinate with other sessions natively. Configure in your
agent with:

  {
    "mcpServers": {
      "devcoord": { "command": "devcoord", "args": ["mcp"] }
    }
  }

Available tools: devcoord_connect, devcoord_heartbeat, devcoord_disconnect,
devcoord_acquire_lock, devcoord_release_lock, devcoord_declare_edit,
devcoord_declare_branch, devcoord_snapshot, devcoord_list_conflicts,
devcoord_resolve_conflict`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := getStore()
		if err != nil {
			return err
		}

		// Log to stderr; stdout carries the MCP protocol.
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		e := engine.New(engineConfig(), st, logger)
		if err := e.Load(cmd.Context()); err != nil {
			return err
		}
		go e.Run(cmd.Context())

		srv := mcp.NewServer(e, st)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
