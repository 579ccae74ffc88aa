package agent

import (
	"context"
	"iter"
	"time"
)

// ReasonRequest is the minimal reasoning input: the ordered history and the
// tools the model may call.
type ReasonRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Reasoner produces one assistant message, streaming content through onDelta
// as it arrives. onDelta is called from the Reason goroutine only.
type Reasoner interface {
	Reason(ctx context.Context, request ReasonRequest, onDelta func(string)) (Message, error)
}

// Retriever returns up to k passages relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// ToolDispatcher classifies and invokes tool calls. Invoke never fails: a
// handler failure is returned as a degraded result.
type ToolDispatcher interface {
	Definitions() []ToolDefinition
	Classify(name ToolName) ReviewPolicy
	Invoke(ctx context.Context, call ToolCall, thread ThreadContext) ToolResult
}

// CheckpointStore persists checkpoints per thread.
//
// Append succeeds only when checkpoint.Seq is exactly one past the latest
// stored sequence (0 for a new thread) and returns ErrSequenceConflict
// otherwise. DeleteThread removes every record of the thread atomically.
type CheckpointStore interface {
	Append(ctx context.Context, checkpoint Checkpoint) error
	Latest(ctx context.Context, threadID ThreadID) (Checkpoint, error)
	History(ctx context.Context, threadID ThreadID) iter.Seq2[Checkpoint, error]
	DeleteThread(ctx context.Context, threadID ThreadID) error
}

// Prompter renders the prompts the engine injects into a thread.
type Prompter interface {
	SystemPrompt(thread ThreadContext) string
	RetrievalContext(query string, passages []Passage) string
}

// Finalizer splits a final reply into display chunks.
type Finalizer interface {
	Finalize(ctx context.Context, content string) ([]string, error)
}

// EventSink receives engine observability events.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Clock is injected so tests can pin checkpoint timestamps.
type Clock func() time.Time

type noopEventSink struct{}

func (noopEventSink) Publish(context.Context, Event) error {
	return nil
}
