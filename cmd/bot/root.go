package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the bot CLI. Serving is the default when no subcommand is
// given.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Copy-trading execution bot: cycles, safety layer and control gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), migrateCmd(), verifyAuditCmd())
	return root.ExecuteContext(ctx)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution cycles, safety loops and gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func verifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute the audit trail's hash chain and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyAudit(cmd.Context())
		},
	}
}
