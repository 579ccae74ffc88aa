package agent

// Role identifies the author of a message in the conversation transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a thread's history. History order is the literal
// model context and is append-only.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// CloneMessage returns a deep copy suitable for isolation across component boundaries.
func CloneMessage(in Message) Message {
	out := in
	if len(in.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(in.ToolCalls))
		for i := range in.ToolCalls {
			out.ToolCalls[i] = CloneToolCall(in.ToolCalls[i])
		}
	}
	return out
}

// CloneMessages returns deep copies of all messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}

func lastMessage(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	return messages[len(messages)-1], true
}

func lastUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}
