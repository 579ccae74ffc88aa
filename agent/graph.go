package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Gurpartap/agentgraph/stream"
)

// nodeFunc runs one node from head and returns the checkpoint to commit.
// Handlers never persist; the driver commits their output.
type nodeFunc func(ctx context.Context, head Checkpoint, emitter *stream.Emitter) (transition, error)

type transition struct {
	next Checkpoint
	// result is set by Execute and surfaced after the commit.
	result *ToolResult
}

func (e *Engine) reason(ctx context.Context, head Checkpoint, emitter *stream.Emitter) (transition, error) {
	callCtx, cancel := e.upstreamContext(ctx)
	defer cancel()

	request := ReasonRequest{
		Messages: CloneMessages(head.Messages),
		Tools:    CloneToolDefinitions(e.tools.Definitions()),
	}
	message, err := e.reasoner.Reason(callCtx, request, func(delta string) {
		e.deliver(ctx, head, emitter.Delta(delta))
	})
	if err != nil {
		return transition{}, upstreamError(fmt.Sprintf("reason thread_id=%q seq=%d", head.ThreadID, head.Seq), err)
	}
	if message.Role == "" {
		message.Role = RoleAssistant
	}
	if err := validateReasonOutput(message); err != nil {
		return transition{}, fmt.Errorf("thread_id=%q seq=%d: %w", head.ThreadID, head.Seq, err)
	}

	next := successor(head, e.now())
	next.Messages = append(next.Messages, CloneMessage(message))
	next.PendingNode = NodeRoute
	return transition{next: next}, nil
}

func validateReasonOutput(message Message) error {
	if message.Role != RoleAssistant {
		return fmt.Errorf("%w: field=role reason=not_assistant value=%q", ErrToolCallProtocol, message.Role)
	}
	if len(message.ToolCalls) > 1 {
		return fmt.Errorf("%w: field=tool_calls reason=multiple count=%d", ErrToolCallProtocol, len(message.ToolCalls))
	}
	for _, call := range message.ToolCalls {
		if call.ID == "" {
			return fmt.Errorf("%w: field=tool_calls.id reason=empty name=%q", ErrToolCallProtocol, call.Name)
		}
		if call.Name == "" {
			return fmt.Errorf("%w: field=tool_calls.name reason=empty id=%q", ErrToolCallProtocol, call.ID)
		}
	}
	return nil
}

func (e *Engine) route(_ context.Context, head Checkpoint, _ *stream.Emitter) (transition, error) {
	next := successor(head, e.now())
	last, _ := lastMessage(head.Messages)
	if last.Role == RoleAssistant && len(last.ToolCalls) == 1 {
		call := CloneToolCall(last.ToolCalls[0])
		next.PendingToolCall = &call
		next.PendingNode = NodeClassify
		return transition{next: next}, nil
	}
	next.PendingNode = NodeFinalize
	return transition{next: next}, nil
}

func (e *Engine) classify(ctx context.Context, head Checkpoint, _ *stream.Emitter) (transition, error) {
	call := head.PendingToolCall
	next := successor(head, e.now())
	switch policy := e.tools.Classify(call.Name); policy {
	case ReviewPolicyRequired:
		next.PendingNode = NodeAwaitReview
	default:
		if policy != ReviewPolicyAuto {
			e.logger.WarnContext(ctx, "unknown review policy; executing without review",
				slog.String("tool", string(call.Name)),
				slog.String("policy", string(policy)),
			)
		}
		next.PendingNode = NodeExecute
	}
	return transition{next: next}, nil
}

func (e *Engine) execute(ctx context.Context, head Checkpoint, _ *stream.Emitter) (transition, error) {
	callCtx, cancel := e.upstreamContext(ctx)
	defer cancel()

	call := CloneToolCall(*head.PendingToolCall)
	result := e.tools.Invoke(callCtx, call, head.ThreadContext())
	result.CallID = call.ID
	result.Name = call.Name

	next := successor(head, e.now())
	next.PendingToolCall = nil
	next.Messages = append(next.Messages, ToolResultMessage(result))
	next.ReplySource = string(call.Name)
	next.Attachment = result.Attachment
	if result.Enrichment != nil && !result.IsError {
		enrichment := *result.Enrichment
		next.Retrieval = &enrichment
		next.PendingNode = NodeRetrieve
	} else {
		next.PendingNode = NodeReason
	}
	return transition{next: next, result: &result}, nil
}

func (e *Engine) retrieve(ctx context.Context, head Checkpoint, _ *stream.Emitter) (transition, error) {
	request := *head.Retrieval

	var passages []Passage
	if e.retriever != nil {
		callCtx, cancel := e.upstreamContext(ctx)
		defer cancel()

		var err error
		passages, err = e.retriever.Retrieve(callCtx, request.Query, request.K)
		if err != nil {
			return transition{}, upstreamError(fmt.Sprintf("retrieve thread_id=%q seq=%d", head.ThreadID, head.Seq), err)
		}
	}

	next := successor(head, e.now())
	next.Retrieval = nil
	next.ReplySource = SourceRAG
	next.Messages = append(next.Messages, Message{
		Role:    RoleSystem,
		Content: e.prompter.RetrievalContext(request.Query, passages),
	})
	next.PendingNode = NodeReason
	return transition{next: next}, nil
}

func (e *Engine) finalize(ctx context.Context, head Checkpoint, _ *stream.Emitter) (transition, error) {
	last, _ := lastMessage(head.Messages)
	content := last.Content

	callCtx, cancel := e.upstreamContext(ctx)
	defer cancel()
	chunks, err := e.finalizer.Finalize(callCtx, content)
	if err != nil || len(chunks) == 0 {
		if err != nil {
			e.logger.WarnContext(ctx, "finalize reply; falling back to single chunk",
				slog.String("thread_id", string(head.ThreadID)),
				slog.Int64("seq", head.Seq),
				slog.Any("error", err),
			)
		}
		chunks = []string{content}
	}

	source := head.ReplySource
	if source == "" {
		source = SourceChat
	}
	next := successor(head, e.now())
	next.Reply = &Reply{
		Source:     source,
		Content:    content,
		Chunks:     chunks,
		Attachment: head.Attachment,
	}
	next.PendingNode = NodeEnd
	return transition{next: next}, nil
}
