// Command server runs the dataset ingestion service and its maintenance
// commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
)

// newRootCmd assembles the command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "scry-ingest",
		Short:         "Parse dataset collections into training chunks",
		Long:          `Claims parse work units, reads their sources, splits them into chunks and pushes the chunks to the training queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default ./config.yaml)")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		log, err := logger.Setup(cfg.Server, cfg.Telemetry)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
		}
		return cfg, log, nil
	}

	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newCleanupCmd(load))
	return root
}

// loader returns the validated configuration and the process logger.
type loader func() (*config.Config, *slog.Logger, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
