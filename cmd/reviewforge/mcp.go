package main

import (
	"context"

	"github.com/spf13/cobra"

	rfhttp "github.com/Strob0t/ReviewForge/internal/adapter/http"
	rfmcp "github.com/Strob0t/ReviewForge/internal/adapter/mcp"
)

func newMCPCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the session tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(flags, cmd, func(_ context.Context, a *app) error {
				srv := rfmcp.NewServer(rfmcp.ServerConfig{
					Name:    "reviewforge",
					Version: rfhttp.Version,
				}, rfmcp.ServerDeps{Sessions: a.pipeline})
				return srv.ServeStdio()
			})
		},
	}
}
