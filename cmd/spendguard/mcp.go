package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve budget tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var auditor *audit.Logger
			if a.cfg.Audit.Enabled {
				if auditor, err = audit.New(a.cfg.Audit, a.log); err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mcp.New(a.guard(), a.tracker, auditor, version, a.log)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
