package agent

import (
	"context"
	"fmt"
)

// rewindBase walks the live lineage of latest newest first and returns the
// checkpoint preceding the n-th most recent Start. The flag is false when that
// Start was the thread's first turn.
func (e *Engine) rewindBase(ctx context.Context, latest Checkpoint, n int) (Checkpoint, bool, error) {
	target := latest.Seq
	starts := 0
	wantBase := false

	for checkpoint, iterErr := range e.store.History(ctx, latest.ThreadID) {
		if iterErr != nil {
			return Checkpoint{}, false, persistenceError("read history", iterErr)
		}
		if checkpoint.Seq > target {
			// Newer checkpoint on an abandoned branch.
			continue
		}
		if checkpoint.Seq < target {
			return Checkpoint{}, false, fmt.Errorf(
				"%w: field=parent reason=missing thread_id=%q seq=%d",
				ErrCheckpointInvalid,
				latest.ThreadID,
				target,
			)
		}
		if wantBase {
			return checkpoint, true, nil
		}
		if checkpoint.Node == NodeStart {
			starts++
			if starts == n {
				if checkpoint.Parent == NoParent {
					return Checkpoint{}, false, nil
				}
				wantBase = true
			}
		}
		if checkpoint.Parent == NoParent {
			break
		}
		target = checkpoint.Parent
	}

	return Checkpoint{}, false, fmt.Errorf(
		"%w: thread_id=%q num_rewind=%d turns=%d",
		ErrRewindOutOfRange,
		latest.ThreadID,
		n,
		starts,
	)
}
