package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/internal/runtimewire"
)

func newThreadsCommand(opts *rootOptions) *cobra.Command {
	threads := &cobra.Command{
		Use:   "threads",
		Short: "Inspect or wipe stored conversation threads",
	}
	threads.AddCommand(newThreadsHistoryCommand(opts))
	threads.AddCommand(newThreadsWipeCommand(opts))
	return threads
}

type historyLine struct {
	Seq         int64      `json:"seq"`
	Parent      int64      `json:"parent"`
	Turn        int        `json:"turn"`
	Node        agent.Node `json:"node"`
	PendingNode agent.Node `json:"pending_node,omitempty"`
	Messages    int        `json:"messages"`
	LastRole    agent.Role `json:"last_role,omitempty"`
	LastMessage string     `json:"last_message,omitempty"`
	PendingTool string     `json:"pending_tool,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newThreadsHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "Print a thread's checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be >= 1, got %d", limit)
			}
			return withRuntime(cmd.Context(), opts, func(runtime *runtimewire.Runtime) error {
				threadID := agent.ThreadID(args[0])
				if _, err := runtime.Engine.Latest(cmd.Context(), threadID); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				encoder := json.NewEncoder(out)
				printed := 0
				for checkpoint, err := range runtime.Engine.History(cmd.Context(), threadID) {
					if err != nil {
						return err
					}
					line := newHistoryLine(checkpoint)
					if asJSON {
						if err := encoder.Encode(line); err != nil {
							return err
						}
					} else {
						if _, err := fmt.Fprintf(out, "%4d  turn=%d  node=%-12s messages=%d  %s\n",
							line.Seq, line.Turn, line.Node, line.Messages, summarize(line)); err != nil {
							return err
						}
					}
					printed++
					if printed >= limit {
						break
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of checkpoints to print")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per checkpoint")
	return cmd
}

func newThreadsWipeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe <thread-id>",
		Short: "Delete every checkpoint of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, func(runtime *runtimewire.Runtime) error {
				if err := runtime.Engine.Wipe(cmd.Context(), agent.ThreadID(args[0])); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "wiped thread %s\n", args[0])
				return err
			})
		},
	}
}

func withRuntime(ctx context.Context, opts *rootOptions, fn func(*runtimewire.Runtime) error) (err error) {
	cfg, logger, err := opts.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	runtime, err := runtimewire.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, runtime.Close(context.WithoutCancel(ctx)))
	}()
	return fn(runtime)
}

func newHistoryLine(checkpoint agent.Checkpoint) historyLine {
	line := historyLine{
		Seq:         checkpoint.Seq,
		Parent:      checkpoint.Parent,
		Turn:        checkpoint.Turn,
		Node:        checkpoint.Node,
		PendingNode: checkpoint.PendingNode,
		Messages:    len(checkpoint.Messages),
		CreatedAt:   checkpoint.CreatedAt,
	}
	if n := len(checkpoint.Messages); n > 0 {
		last := checkpoint.Messages[n-1]
		line.LastRole = last.Role
		line.LastMessage = last.Content
	}
	if checkpoint.PendingToolCall != nil {
		line.PendingTool = string(checkpoint.PendingToolCall.Name)
	}
	return line
}

func summarize(line historyLine) string {
	if line.PendingTool != "" {
		return "awaiting review of " + line.PendingTool
	}
	if line.LastRole == "" {
		return ""
	}
	text := line.LastMessage
	if runes := []rune(text); len(runes) > 60 {
		text = string(runes[:60]) + "..."
	}
	return fmt.Sprintf("%s: %q", line.LastRole, text)
}
