package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gurpartap/agentgraph/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("new app: %w", err)
			}

			serverErrCh := make(chan error, 1)
			go func() {
				serverErrCh <- application.Start()
			}()

			select {
			case err := <-serverErrCh:
				closeErr := application.Runtime().Close(context.Background())
				if err != nil {
					return fmt.Errorf("server exited: %w", err)
				}
				return closeErr
			case <-cmd.Context().Done():
			}

			logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()

			if err := application.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown server: %w", err)
			}
			if err := <-serverErrCh; err != nil {
				return fmt.Errorf("server stopped with error: %w", err)
			}
			return nil
		},
	}
}
