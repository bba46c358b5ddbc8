package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/recall/internal/mcp"
)

const version = "0.1.0"

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr.
			return withApp(func(a *app) error {
				return mcp.NewServer(a.svc, version, a.logger).Run(cmd.Context(), os.Stdin, os.Stdout)
			})
		},
	}
}
