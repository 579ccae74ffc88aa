// Package storetest is a conformance suite shared by CheckpointStore implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Gurpartap/agentgraph/agent"
)

// Factory returns an empty store. Stores are not shared between subtests.
type Factory func(t *testing.T) agent.CheckpointStore

// Run exercises the CheckpointStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("LatestUnknownThread", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Latest(context.Background(), "missing")
		require.ErrorIs(t, err, agent.ErrThreadNotFound)
	})

	t.Run("AppendAndLatestRoundTrip", func(t *testing.T) {
		store := newStore(t)
		chain := Chain("thread-a", 3)
		for _, checkpoint := range chain {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}

		latest, err := store.Latest(context.Background(), "thread-a")
		require.NoError(t, err)
		if diff := cmp.Diff(chain[len(chain)-1], latest, checkpointOpts...); diff != "" {
			t.Fatalf("latest checkpoint mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		store := newStore(t)
		want := Chain("thread-p", 1)
		want = append(want, PayloadChain("thread-p", want[0])...)
		for _, checkpoint := range want {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}

		got := collect(t, store, "thread-p")
		reverse(got)
		if diff := cmp.Diff(want, got, checkpointOpts...); diff != "" {
			t.Fatalf("history mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("AppendRejectsGapAndDuplicate", func(t *testing.T) {
		store := newStore(t)
		chain := Chain("thread-b", 2)
		require.NoError(t, store.Append(context.Background(), chain[0]))

		gap := chain[1]
		gap.Seq = 2
		gap.Parent = 1
		err := store.Append(context.Background(), gap)
		require.ErrorIs(t, err, agent.ErrSequenceConflict)

		err = store.Append(context.Background(), chain[0])
		require.ErrorIs(t, err, agent.ErrSequenceConflict)
		assert.ErrorIs(t, err, agent.ErrConcurrencyViolation)

		latest, err := store.Latest(context.Background(), "thread-b")
		require.NoError(t, err)
		assert.Equal(t, int64(0), latest.Seq)
	})

	t.Run("FirstAppendMustStartAtZero", func(t *testing.T) {
		store := newStore(t)
		chain := Chain("thread-z", 2)
		err := store.Append(context.Background(), chain[1])
		require.ErrorIs(t, err, agent.ErrSequenceConflict)
	})

	t.Run("HistoryNewestFirstAndRestartable", func(t *testing.T) {
		store := newStore(t)
		for _, checkpoint := range Chain("thread-c", 5) {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}

		history := store.History(context.Background(), "thread-c")
		first := seqs(t, history)
		second := seqs(t, history)
		assert.Equal(t, []int64{4, 3, 2, 1, 0}, first)
		assert.Equal(t, first, second)

		var partial []int64
		for checkpoint, err := range history {
			require.NoError(t, err)
			partial = append(partial, checkpoint.Seq)
			if len(partial) == 2 {
				break
			}
		}
		assert.Equal(t, []int64{4, 3}, partial)
	})

	t.Run("HistoryUnknownThreadIsEmpty", func(t *testing.T) {
		store := newStore(t)
		assert.Empty(t, seqs(t, store.History(context.Background(), "missing")))
	})

	t.Run("ThreadsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		for _, checkpoint := range Chain("thread-d", 2) {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}
		for _, checkpoint := range Chain("thread-e", 3) {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}

		require.NoError(t, store.DeleteThread(context.Background(), "thread-d"))
		_, err := store.Latest(context.Background(), "thread-d")
		require.ErrorIs(t, err, agent.ErrThreadNotFound)

		latest, err := store.Latest(context.Background(), "thread-e")
		require.NoError(t, err)
		assert.Equal(t, int64(2), latest.Seq)
	})

	t.Run("DeleteThreadAllowsFreshStart", func(t *testing.T) {
		store := newStore(t)
		chain := Chain("thread-f", 3)
		for _, checkpoint := range chain {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}
		require.NoError(t, store.DeleteThread(context.Background(), "thread-f"))
		require.NoError(t, store.DeleteThread(context.Background(), "thread-f"))

		assert.Empty(t, seqs(t, store.History(context.Background(), "thread-f")))
		require.NoError(t, store.Append(context.Background(), chain[0]))
	})

	t.Run("ReturnedCheckpointsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		for _, checkpoint := range Chain("thread-g", 1) {
			require.NoError(t, store.Append(context.Background(), checkpoint))
		}

		latest, err := store.Latest(context.Background(), "thread-g")
		require.NoError(t, err)
		latest.Messages[0].Content = "mutated"

		again, err := store.Latest(context.Background(), "thread-g")
		require.NoError(t, err)
		assert.NotEqual(t, "mutated", again.Messages[0].Content)
	})

	t.Run("ConcurrentAppendsSingleWinner", func(t *testing.T) {
		store := newStore(t)
		chain := Chain("thread-h", 2)
		require.NoError(t, store.Append(context.Background(), chain[0]))

		const writers = 8
		var (
			group     errgroup.Group
			conflicts = make(chan error, writers)
		)
		for i := range writers {
			candidate := agent.CloneCheckpoint(chain[1])
			candidate.Messages = append(candidate.Messages, agent.Message{
				Role:    agent.RoleUser,
				Content: fmt.Sprintf("writer-%d", i),
			})
			group.Go(func() error {
				err := store.Append(context.Background(), candidate)
				if errors.Is(err, agent.ErrSequenceConflict) {
					conflicts <- err
					return nil
				}
				return err
			})
		}
		require.NoError(t, group.Wait())
		close(conflicts)
		assert.Len(t, conflicts, writers-1)

		assert.Equal(t, []int64{1, 0}, seqs(t, store.History(context.Background(), "thread-h")))
	})
}

var checkpointOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.EquateApproxTime(time.Millisecond),
}

// Chain builds n valid checkpoints for threadID: a Start followed by the
// Reason, Route and Finalize hand-offs of a plain chat turn, then idle turns.
func Chain(threadID agent.ThreadID, n int) []agent.Checkpoint {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	messages := []agent.Message{
		{Role: agent.RoleSystem, Content: "system prompt"},
		{Role: agent.RoleUser, Content: "hello"},
	}
	steps := []struct {
		node    agent.Node
		pending agent.Node
	}{
		{agent.NodeStart, agent.NodeReason},
		{agent.NodeReason, agent.NodeRoute},
		{agent.NodeRoute, agent.NodeFinalize},
		{agent.NodeFinalize, agent.NodeEnd},
	}

	out := make([]agent.Checkpoint, 0, n)
	for i := range n {
		step := steps[min(i, len(steps)-1)]
		if i >= len(steps) {
			step.node, step.pending = agent.NodeEnd, agent.NodeEnd
		}
		if i == 1 {
			messages = append(messages, agent.Message{Role: agent.RoleAssistant, Content: "hi there"})
		}
		checkpoint := agent.Checkpoint{
			ThreadID:    threadID,
			Seq:         int64(i),
			Parent:      int64(i) - 1,
			Turn:        1,
			Node:        step.node,
			PendingNode: step.pending,
			Messages:    agent.CloneMessages(messages),
			ReplySource: agent.SourceChat,
			Fingerprint: "fp-" + string(threadID),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if step.node == agent.NodeFinalize {
			checkpoint.Reply = &agent.Reply{Source: agent.SourceChat, Content: "hi there", Chunks: []string{"hi there"}}
		}
		out = append(out, checkpoint)
	}
	return out
}

// PayloadChain continues a Start checkpoint through a tool call into a
// pending retrieval so every optional payload is persisted.
func PayloadChain(threadID agent.ThreadID, reasonHead agent.Checkpoint) []agent.Checkpoint {
	call := agent.ToolCall{
		ID:        "call-1",
		Name:      agent.ToolGetSpecifics,
		Arguments: map[string]any{"query": "Overview - Maibel AI App", "k_records": float64(1)},
	}
	messages := agent.CloneMessages(reasonHead.Messages)
	messages = append(messages, agent.Message{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{call}})
	at := reasonHead.CreatedAt.Add(time.Second)

	route := agent.Checkpoint{
		ThreadID: threadID, Seq: reasonHead.Seq + 1, Parent: reasonHead.Seq, Turn: reasonHead.Turn,
		Node: agent.NodeReason, PendingNode: agent.NodeRoute,
		Messages: agent.CloneMessages(messages), ReplySource: agent.SourceChat,
		Fingerprint: reasonHead.Fingerprint, CreatedAt: at,
	}
	classify := route
	classify.Seq, classify.Parent = route.Seq+1, route.Seq
	classify.Node, classify.PendingNode = agent.NodeRoute, agent.NodeClassify
	classify.Messages = agent.CloneMessages(messages)
	classify.PendingToolCall = &call
	classify.CreatedAt = at.Add(time.Second)

	execute := classify
	execute.Seq, execute.Parent = classify.Seq+1, classify.Seq
	execute.Node, execute.PendingNode = agent.NodeClassify, agent.NodeExecute
	execute.Messages = agent.CloneMessages(messages)
	callCopy := agent.CloneToolCall(call)
	execute.PendingToolCall = &callCopy
	execute.CreatedAt = at.Add(2 * time.Second)

	messages = append(messages, agent.Message{Role: agent.RoleTool, Name: string(call.Name), ToolCallID: call.ID, Content: "retrieving"})
	retrieve := execute
	retrieve.Seq, retrieve.Parent = execute.Seq+1, execute.Seq
	retrieve.Node, retrieve.PendingNode = agent.NodeExecute, agent.NodeRetrieve
	retrieve.Messages = agent.CloneMessages(messages)
	retrieve.PendingToolCall = nil
	retrieve.Retrieval = &agent.RetrievalRequest{Query: "Overview - Maibel AI App", K: 1}
	retrieve.ReplySource = string(call.Name)
	retrieve.Attachment = "draft"
	retrieve.CreatedAt = at.Add(3 * time.Second)

	return []agent.Checkpoint{route, classify, execute, retrieve}
}

func collect(t *testing.T, store agent.CheckpointStore, threadID agent.ThreadID) []agent.Checkpoint {
	t.Helper()
	var out []agent.Checkpoint
	for checkpoint, err := range store.History(context.Background(), threadID) {
		require.NoError(t, err)
		out = append(out, checkpoint)
	}
	return out
}

func seqs(t *testing.T, history func(func(agent.Checkpoint, error) bool)) []int64 {
	t.Helper()
	var out []int64
	for checkpoint, err := range history {
		require.NoError(t, err)
		out = append(out, checkpoint.Seq)
	}
	return out
}

func reverse(in []agent.Checkpoint) {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
}
