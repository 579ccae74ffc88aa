// Package inmem keeps checkpoints in process memory for local development and tests.
package inmem

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/Gurpartap/agentgraph/agent"
)

// Store persists checkpoints in memory with strict sequence checks.
type Store struct {
	mu      sync.RWMutex
	threads map[agent.ThreadID][]agent.Checkpoint
}

var _ agent.CheckpointStore = (*Store)(nil)

func New() *Store {
	return &Store{threads: map[agent.ThreadID][]agent.Checkpoint{}}
}

func (s *Store) Append(ctx context.Context, checkpoint agent.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := agent.ValidateCheckpoint(checkpoint); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.threads[checkpoint.ThreadID]
	expected := int64(len(existing))
	if checkpoint.Seq != expected {
		return fmt.Errorf(
			"%w: thread %q expected seq %d, got %d",
			agent.ErrSequenceConflict,
			checkpoint.ThreadID,
			expected,
			checkpoint.Seq,
		)
	}
	s.threads[checkpoint.ThreadID] = append(existing, agent.CloneCheckpoint(checkpoint))
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID agent.ThreadID) (agent.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return agent.Checkpoint{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints := s.threads[threadID]
	if len(checkpoints) == 0 {
		return agent.Checkpoint{}, fmt.Errorf("%w: %q", agent.ErrThreadNotFound, threadID)
	}
	return agent.CloneCheckpoint(checkpoints[len(checkpoints)-1]), nil
}

// History yields newest first. Each iteration reads a fresh snapshot, so the
// sequence can be restarted and observes appends made between iterations.
func (s *Store) History(ctx context.Context, threadID agent.ThreadID) iter.Seq2[agent.Checkpoint, error] {
	return func(yield func(agent.Checkpoint, error) bool) {
		s.mu.RLock()
		snapshot := slices.Clone(s.threads[threadID])
		s.mu.RUnlock()

		for i := len(snapshot) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(agent.Checkpoint{}, err)
				return
			}
			if !yield(agent.CloneCheckpoint(snapshot[i]), nil) {
				return
			}
		}
	}
}

func (s *Store) DeleteThread(ctx context.Context, threadID agent.ThreadID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
