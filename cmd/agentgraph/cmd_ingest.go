package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gurpartap/agentgraph/internal/runtimewire"
)

func newIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <manifest>",
		Short: "Embed and store the passages listed in a corpus manifest",
		Long: `Embed and store the passages listed in a corpus manifest.

Passages are keyed by their content, so ingesting the same manifest twice
leaves the index unchanged. Use a sqlite or postgres store to keep them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, logger, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			runtime, err := runtimewire.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, runtime.Close(context.WithoutCancel(cmd.Context())))
			}()

			count, err := runtime.Ingest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d passages from %s\n", count, args[0])
			return err
		},
	}
}
