package agent

import (
	"maps"
	"slices"
)

// ToolName is the closed set of tools the engine knows how to dispatch.
type ToolName string

const (
	ToolSuspendUser     ToolName = "suspend_user"
	ToolProvideFeedback ToolName = "provide_feedback"
	ToolGetSpecifics    ToolName = "get_specifics"
)

var knownToolNames = []ToolName{
	ToolSuspendUser,
	ToolProvideFeedback,
	ToolGetSpecifics,
}

// KnownToolNames lists every tool identifier accepted by dispatch tables.
func KnownToolNames() []ToolName {
	return slices.Clone(knownToolNames)
}

// IsKnown reports whether name belongs to the closed tool enumeration.
func (n ToolName) IsKnown() bool {
	return slices.Contains(knownToolNames, n)
}

// ReviewPolicy tells Classify whether a tool may run without a human decision.
type ReviewPolicy string

const (
	ReviewPolicyAuto     ReviewPolicy = "auto"
	ReviewPolicyRequired ReviewPolicy = "review_required"
)

// ToolDefinition declares a callable capability exposed to the model.
type ToolDefinition struct {
	Name        ToolName       `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is requested by an assistant message. The engine never invents or
// edits tool calls.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      ToolName       `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ThreadContext carries identity-scoped values that tools resolve themselves
// instead of reading them from model-produced arguments.
type ThreadContext struct {
	ThreadID    ThreadID `json:"thread_id"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// RetrievalRequest asks the Retrieve node for k passages matching Query.
type RetrievalRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// Passage is one retrieved text record.
type Passage struct {
	ID      string  `json:"id,omitempty"`
	Source  string  `json:"source,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// ToolResult is the normalized output produced by a tool invocation.
type ToolResult struct {
	CallID  string   `json:"call_id"`
	Name    ToolName `json:"name"`
	Content string   `json:"content"`
	IsError bool     `json:"is_error,omitempty"`
	// Attachment is surfaced to the caller next to the reply, e.g. a drafted email body.
	Attachment string `json:"attachment,omitempty"`
	// Enrichment routes execution through the Retrieve node.
	Enrichment *RetrievalRequest `json:"enrichment,omitempty"`
}

// SkippedToolContent is the tool message recorded when a reviewer declines a call.
const SkippedToolContent = "Tool execution skipped."

// ToolResultMessage converts a tool result to a transcript message.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Name:       string(result.Name),
		ToolCallID: result.CallID,
		Content:    result.Content,
	}
}

// CloneToolCall returns a deep copy of a tool call.
func CloneToolCall(in ToolCall) ToolCall {
	out := in
	if in.Arguments != nil {
		out.Arguments = make(map[string]any, len(in.Arguments))
		maps.Copy(out.Arguments, in.Arguments)
	}
	return out
}

// CloneToolDefinitions returns deep copies of tool definitions.
func CloneToolDefinitions(in []ToolDefinition) []ToolDefinition {
	out := make([]ToolDefinition, len(in))
	for i := range in {
		out[i] = in[i]
		if in[i].InputSchema != nil {
			out[i].InputSchema = make(map[string]any, len(in[i].InputSchema))
			maps.Copy(out[i].InputSchema, in[i].InputSchema)
		}
	}
	return out
}

func cloneToolCallPtr(in *ToolCall) *ToolCall {
	if in == nil {
		return nil
	}
	out := CloneToolCall(*in)
	return &out
}
