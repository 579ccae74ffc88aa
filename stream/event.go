package stream

import "maps"

// Kind tags one stream event.
type Kind string

const (
	KindContentDelta       Kind = "content_delta"
	KindToolInvoked        Kind = "tool_invoked"
	KindInterruptRequested Kind = "interrupt_requested"
	KindDone               Kind = "done"
	KindError              Kind = "error"
)

// Terminal reports whether the kind ends a stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindInterruptRequested, KindDone, KindError:
		return true
	default:
		return false
	}
}

// ToolInvocation describes a tool call surfaced to the consumer.
type ToolInvocation struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Reply is the finalized assistant output of a turn.
type Reply struct {
	Source     string   `json:"source"`
	Content    string   `json:"content"`
	Chunks     []string `json:"chunks,omitempty"`
	Attachment string   `json:"attachment,omitempty"`
}

// Event is one ordered unit delivered to a stream consumer.
type Event struct {
	Seq   int             `json:"seq"`
	Kind  Kind            `json:"kind"`
	Delta string          `json:"delta,omitempty"`
	Tool  *ToolInvocation `json:"tool,omitempty"`
	Reply *Reply          `json:"reply,omitempty"`
	Error string          `json:"error,omitempty"`
	// Retryable marks error events the caller may retry with the same input.
	Retryable bool `json:"retryable,omitempty"`
}

func cloneEvent(in Event) Event {
	out := in
	if in.Tool != nil {
		tool := *in.Tool
		if in.Tool.Arguments != nil {
			tool.Arguments = make(map[string]any, len(in.Tool.Arguments))
			maps.Copy(tool.Arguments, in.Tool.Arguments)
		}
		out.Tool = &tool
	}
	if in.Reply != nil {
		reply := *in.Reply
		reply.Chunks = append([]string(nil), in.Reply.Chunks...)
		out.Reply = &reply
	}
	return out
}
