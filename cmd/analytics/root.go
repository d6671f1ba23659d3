package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the analytics CLI. Serving is the default when no
// subcommand is given.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "analytics",
		Short:         "Trader intelligence service: ingestion, scoring and the ranking API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), migrateCmd())
	return root.ExecuteContext(ctx)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion scheduler and HTTP API",
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
