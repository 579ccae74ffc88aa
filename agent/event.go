package agent

// EventType is published to the EventSink for observability. Stream events
// for callers live in package stream.
type EventType string

const (
	EventTypeCheckpointCommitted EventType = "checkpoint_committed"
	EventTypeInterruptRequested  EventType = "interrupt_requested"
	EventTypeInterruptResolved   EventType = "interrupt_resolved"
	EventTypeToolExecuted        EventType = "tool_executed"
	EventTypeTurnFailed          EventType = "turn_failed"
	EventTypeThreadWiped         EventType = "thread_wiped"
)

// Event is intentionally compact so adapters can map it to logs, metrics, or traces.
type Event struct {
	ThreadID    ThreadID    `json:"thread_id"`
	Seq         int64       `json:"seq"`
	Type        EventType   `json:"type"`
	Node        Node        `json:"node,omitempty"`
	PendingNode Node        `json:"pending_node,omitempty"`
	ToolResult  *ToolResult `json:"tool_result,omitempty"`
	Description string      `json:"description,omitempty"`
}

// CloneEvent returns a deep copy of an event.
func CloneEvent(in Event) Event {
	out := in
	if in.ToolResult != nil {
		result := *in.ToolResult
		if in.ToolResult.Enrichment != nil {
			enrichment := *in.ToolResult.Enrichment
			result.Enrichment = &enrichment
		}
		out.ToolResult = &result
	}
	return out
}
