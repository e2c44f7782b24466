package main

import (
	"github.com/spf13/cobra"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
)

var migrateCommands = []string{"up", "down", "reset", "status", "version"}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrateCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool, args[0], logger); err != nil {
				return err
			}
			logger.Info("migration finished", "command", args[0])
			return nil
		},
	}
}
