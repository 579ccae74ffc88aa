package inmem_test

import (
	"context"
	"testing"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/checkpointstore/inmem"
	"github.com/Gurpartap/agentgraph/checkpointstore/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) agent.CheckpointStore {
		return inmem.New()
	})
}

func TestStore_RejectsInvalidCheckpoint(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	checkpoint := storetest.Chain("thread-x", 1)[0]
	checkpoint.PendingNode = agent.NodeExecute

	err := store.Append(context.Background(), checkpoint)
	if err == nil {
		t.Fatalf("expected invalid checkpoint error")
	}
	if _, latestErr := store.Latest(context.Background(), "thread-x"); latestErr == nil {
		t.Fatalf("invalid checkpoint must not be stored")
	}
}

func TestStore_HistoryStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	for _, checkpoint := range storetest.Chain("thread-y", 3) {
		if err := store.Append(context.Background(), checkpoint); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range store.History(ctx, "thread-y") {
		if err == nil {
			t.Fatalf("expected context error from cancelled history")
		}
		return
	}
	t.Fatalf("history yielded nothing for cancelled context")
}
