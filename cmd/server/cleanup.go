package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
	"github.com/phrazzld/scry-ingest/internal/queue"
)

func newCleanupCmd(load loader) *cobra.Command {
	var (
		correlation queue.Correlation
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove queued parse kicks of a team or a unit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if correlation.IsZero() {
				return errors.New("one of --task-id or --item-id is required")
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			q, err := newParseQueue(pool, cfg.Queue, logger)
			if err != nil {
				return err
			}
			opts := cleanupOptions(cfg.Queue)
			opts.ForceCleanActiveJobs = force
			res := q.CancelByCorrelation(cmd.Context(), correlation, opts)

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err := out.Encode(res); err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("cleanup incomplete: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&correlation.TaskID, "task-id", "", "team id: remove every kick of the team")
	cmd.Flags().StringVar(&correlation.ItemID, "item-id", "", "unit id: remove the kick carrying this unit")
	cmd.Flags().BoolVar(&force, "force", false, "also remove jobs a worker currently holds")
	return cmd
}
