package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// InterruptController owns suspension and resolution of review-gated tool
// calls. Callers must hold the thread lease.
type InterruptController struct {
	store  CheckpointStore
	events EventSink
	logger *slog.Logger
	now    Clock
}

func newInterruptController(store CheckpointStore, events EventSink, logger *slog.Logger, now Clock) *InterruptController {
	return &InterruptController{store: store, events: events, logger: logger, now: now}
}

// RequestReview commits the suspension checkpoint for call on top of base.
// When base already awaits review for the same call it is returned unchanged,
// so a thread never holds two pending interrupts.
func (c *InterruptController) RequestReview(ctx context.Context, base Checkpoint, call ToolCall) (Checkpoint, error) {
	if pending, ok := base.Interrupt(); ok {
		if pending.ToolCall.ID == call.ID {
			return CloneCheckpoint(base), nil
		}
		return Checkpoint{}, fmt.Errorf(
			"%w: thread_id=%q pending_call_id=%q requested_call_id=%q",
			ErrInterruptPending,
			base.ThreadID,
			pending.ToolCall.ID,
			call.ID,
		)
	}
	if call.ID == "" {
		return Checkpoint{}, fmt.Errorf("%w: field=tool_call.id reason=empty thread_id=%q", ErrToolCallProtocol, base.ThreadID)
	}

	next := successor(base, c.now())
	next.PendingNode = NodeAwaitReview
	next.PendingToolCall = &call
	if err := appendCheckpoint(ctx, c.store, base, next); err != nil {
		return Checkpoint{}, err
	}

	c.publish(ctx, Event{
		ThreadID:    next.ThreadID,
		Seq:         next.Seq,
		Type:        EventTypeInterruptRequested,
		Node:        next.Node,
		PendingNode: next.PendingNode,
		Description: string(call.Name),
	})
	return next, nil
}

// Resolve consumes the thread's pending interrupt. An approval hands the call
// to Execute; a rejection records a skipped tool result and returns to Reason.
func (c *InterruptController) Resolve(ctx context.Context, threadID ThreadID, decision Decision) (PendingInterrupt, Checkpoint, error) {
	latest, err := c.store.Latest(ctx, threadID)
	if err != nil {
		if isNotFound(err) {
			return PendingInterrupt{}, Checkpoint{}, fmt.Errorf("%w: thread_id=%q", ErrNoPendingInterrupt, threadID)
		}
		return PendingInterrupt{}, Checkpoint{}, persistenceError("load latest checkpoint", err)
	}
	pending, ok := latest.Interrupt()
	if !ok {
		return PendingInterrupt{}, Checkpoint{}, fmt.Errorf(
			"%w: thread_id=%q pending_node=%s",
			ErrNoPendingInterrupt,
			threadID,
			latest.PendingNode,
		)
	}

	next := successor(latest, c.now())
	if decision.Approved {
		next.PendingNode = NodeExecute
	} else {
		next.PendingNode = NodeReason
		next.PendingToolCall = nil
		next.Messages = append(next.Messages, ToolResultMessage(ToolResult{
			CallID:  pending.ToolCall.ID,
			Name:    pending.ToolCall.Name,
			Content: skippedContent(decision.Note),
		}))
	}
	if err := appendCheckpoint(ctx, c.store, latest, next); err != nil {
		return PendingInterrupt{}, Checkpoint{}, err
	}

	description := "rejected"
	if decision.Approved {
		description = "approved"
	}
	c.publish(ctx, Event{
		ThreadID:    next.ThreadID,
		Seq:         next.Seq,
		Type:        EventTypeInterruptResolved,
		Node:        next.Node,
		PendingNode: next.PendingNode,
		Description: description,
	})
	return pending, next, nil
}

func (c *InterruptController) publish(ctx context.Context, event Event) {
	publishEvent(ctx, c.events, c.logger, event)
}

func skippedContent(note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return SkippedToolContent
	}
	return SkippedToolContent + " Reviewer note: " + note
}

// appendCheckpoint validates next against head and persists it. Start
// checkpoints may follow any idle or rewound base.
func appendCheckpoint(ctx context.Context, store CheckpointStore, head Checkpoint, next Checkpoint) error {
	if next.Node != NodeStart && next.Node != head.PendingNode {
		return fmt.Errorf(
			"%w: thread_id=%q seq=%d ran=%s head_pending=%s",
			ErrInvalidTransition,
			next.ThreadID,
			next.Seq,
			next.Node,
			head.PendingNode,
		)
	}
	if err := ValidateCheckpoint(next); err != nil {
		return err
	}
	if err := store.Append(ctx, next); err != nil {
		return persistenceError(fmt.Sprintf("append checkpoint thread_id=%q seq=%d", next.ThreadID, next.Seq), err)
	}
	return nil
}

func publishEvent(ctx context.Context, sink EventSink, logger *slog.Logger, event Event) {
	if err := sink.Publish(ctx, event); err != nil {
		logger.WarnContext(ctx, "publish engine event",
			slog.String("type", string(event.Type)),
			slog.String("thread_id", string(event.ThreadID)),
			slog.Int64("seq", event.Seq),
			slog.Any("error", err),
		)
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
