package agent

import (
	"errors"
	"fmt"
)

// ValidateCheckpoint checks structural checkpoint invariants before persistence boundaries.
func ValidateCheckpoint(checkpoint Checkpoint) error {
	if checkpoint.ThreadID == "" {
		return errors.Join(
			ErrCheckpointInvalid,
			fmt.Errorf("%w: field=thread_id reason=empty", ErrThreadIDRequired),
		)
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf(
			"%w: field=seq reason=negative value=%d thread_id=%q",
			ErrCheckpointInvalid,
			checkpoint.Seq,
			checkpoint.ThreadID,
		)
	}
	if checkpoint.Parent < NoParent || checkpoint.Parent >= checkpoint.Seq {
		return fmt.Errorf(
			"%w: field=parent reason=out_of_range value=%d seq=%d thread_id=%q",
			ErrCheckpointInvalid,
			checkpoint.Parent,
			checkpoint.Seq,
			checkpoint.ThreadID,
		)
	}
	if !checkpoint.Node.IsKnown() || !checkpoint.PendingNode.IsKnown() {
		return fmt.Errorf(
			"%w: field=node reason=unknown node=%q pending_node=%q thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.Node,
			checkpoint.PendingNode,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	}
	if err := validateNodeTransition(checkpoint.Node, checkpoint.PendingNode); err != nil {
		return errors.Join(ErrCheckpointInvalid, err)
	}

	needsCall := checkpoint.PendingNode == NodeClassify ||
		checkpoint.PendingNode == NodeAwaitReview ||
		checkpoint.PendingNode == NodeExecute
	switch {
	case needsCall && checkpoint.PendingToolCall == nil:
		return fmt.Errorf(
			"%w: field=pending_tool_call reason=nil pending_node=%s thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.PendingNode,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	case !needsCall && checkpoint.PendingToolCall != nil:
		return fmt.Errorf(
			"%w: field=pending_tool_call reason=unexpected pending_node=%s thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.PendingNode,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	}
	if checkpoint.PendingToolCall != nil && checkpoint.PendingToolCall.ID == "" {
		return fmt.Errorf(
			"%w: field=pending_tool_call.id reason=empty thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	}
	if checkpoint.PendingNode == NodeRetrieve && checkpoint.Retrieval == nil {
		return fmt.Errorf(
			"%w: field=retrieval reason=nil thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	}
	if checkpoint.Node == NodeFinalize && checkpoint.Reply == nil {
		return fmt.Errorf(
			"%w: field=reply reason=nil thread_id=%q seq=%d",
			ErrCheckpointInvalid,
			checkpoint.ThreadID,
			checkpoint.Seq,
		)
	}
	return nil
}

// ValidateEvent checks event payload invariants before publish boundaries.
func ValidateEvent(event Event) error {
	if event.Type == "" {
		return fmt.Errorf("%w: field=type reason=empty", ErrEventInvalid)
	}
	if event.ThreadID == "" {
		return fmt.Errorf("%w: field=thread_id reason=empty type=%s", ErrEventInvalid, event.Type)
	}
	if event.Seq < NoParent {
		return fmt.Errorf(
			"%w: field=seq reason=negative value=%d type=%s thread_id=%q",
			ErrEventInvalid,
			event.Seq,
			event.Type,
			event.ThreadID,
		)
	}

	switch event.Type {
	case EventTypeCheckpointCommitted:
		if !event.PendingNode.IsKnown() {
			return fmt.Errorf(
				"%w: field=pending_node reason=unknown value=%q thread_id=%q seq=%d",
				ErrEventInvalid,
				event.PendingNode,
				event.ThreadID,
				event.Seq,
			)
		}
	case EventTypeToolExecuted:
		if event.ToolResult == nil {
			return fmt.Errorf(
				"%w: field=tool_result reason=nil type=%s thread_id=%q seq=%d",
				ErrEventInvalid,
				event.Type,
				event.ThreadID,
				event.Seq,
			)
		}
		if event.ToolResult.CallID == "" {
			return fmt.Errorf(
				"%w: field=tool_result.call_id reason=empty type=%s thread_id=%q seq=%d",
				ErrEventInvalid,
				event.Type,
				event.ThreadID,
				event.Seq,
			)
		}
	case EventTypeTurnFailed:
		if event.Description == "" {
			return fmt.Errorf(
				"%w: field=description reason=empty type=%s thread_id=%q seq=%d",
				ErrEventInvalid,
				event.Type,
				event.ThreadID,
				event.Seq,
			)
		}
	case EventTypeInterruptRequested, EventTypeInterruptResolved, EventTypeThreadWiped:
	default:
		return fmt.Errorf("%w: field=type reason=unknown value=%q thread_id=%q", ErrEventInvalid, event.Type, event.ThreadID)
	}
	return nil
}
