package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load loader) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the parse runner and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !skipMigrations {
				if err := postgres.Migrate(ctx, pool, "up", logger); err != nil {
					return err
				}
			}

			app, err := newApplication(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			if err := app.start(ctx); err != nil {
				return fmt.Errorf("failed to start background workers: %w", err)
			}

			server := &http.Server{
				Addr:              ":" + strconv.Itoa(cfg.Server.Port),
				Handler:           app.router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("starting server", "port", cfg.Server.Port)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			var runErr error
			select {
			case runErr = <-serverErr:
			case <-ctx.Done():
				logger.Info("shutting down server")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			shutdownErr := server.Shutdown(shutdownCtx)
			stopErr := app.stop()
			if runErr != nil {
				return fmt.Errorf("server failed: %w", errors.Join(runErr, stopErr))
			}
			if err := errors.Join(shutdownErr, stopErr); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			logger.Info("server exited gracefully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}
