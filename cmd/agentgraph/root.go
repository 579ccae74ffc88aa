package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Gurpartap/agentgraph/internal/config"
)

type rootOptions struct {
	configPath string
	stdout     io.Writer
	logOutput  io.Writer
}

func newRootCommand(stdout, logOutput io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, logOutput: logOutput}

	root := &cobra.Command{
		Use:   "agentgraph",
		Short: "Conversational portfolio agent with checkpointed threads",
		Long: `agentgraph serves a conversational agent whose every step is checkpointed.

Commands:
  serve    - run the HTTP server (/chat, /resume, /continue, /wipe, /add_ai_msg)
  ingest   - load a corpus manifest into the passage index
  threads  - inspect or wipe stored conversation threads`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default: $"+config.EnvConfigPath+")")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newIngestCommand(opts))
	root.AddCommand(newThreadsCommand(opts))
	return root
}

func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, newServerLogger(o.logOutput, cfg.LogLevel, cfg.LogFormat), nil
}
