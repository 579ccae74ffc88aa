package testkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Gurpartap/agentgraph/agent"
)

// Response configures one reasoning turn in a scripted sequence.
type Response struct {
	Message agent.Message
	// Deltas are streamed before the message is returned. When nil the
	// message content is streamed word by word.
	Deltas []string
	Err    error
	// Gate, when set, blocks the call until it is closed or ctx ends.
	Gate <-chan struct{}
}

// ScriptedReasoner is a deterministic reasoner for engine tests.
type ScriptedReasoner struct {
	mu        sync.Mutex
	index     int
	responses []Response
	requests  []agent.ReasonRequest
}

var _ agent.Reasoner = (*ScriptedReasoner)(nil)

func NewScriptedReasoner(responses ...Response) *ScriptedReasoner {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedReasoner{responses: cloned}
}

func (r *ScriptedReasoner) Reason(ctx context.Context, request agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
	r.mu.Lock()
	if r.index >= len(r.responses) {
		r.mu.Unlock()
		return agent.Message{}, fmt.Errorf("script exhausted at call %d", r.index+1)
	}
	current := r.responses[r.index]
	r.index++
	r.requests = append(r.requests, agent.ReasonRequest{
		Messages: agent.CloneMessages(request.Messages),
		Tools:    agent.CloneToolDefinitions(request.Tools),
	})
	r.mu.Unlock()

	if current.Gate != nil {
		select {
		case <-current.Gate:
		case <-ctx.Done():
			return agent.Message{}, ctx.Err()
		}
	}

	deltas := current.Deltas
	if deltas == nil {
		deltas = Words(current.Message.Content)
	}
	for _, delta := range deltas {
		onDelta(delta)
	}
	if current.Err != nil {
		return agent.Message{}, current.Err
	}
	msg := agent.CloneMessage(current.Message)
	if msg.Role == "" {
		msg.Role = agent.RoleAssistant
	}
	return msg, nil
}

// Calls reports how many responses were consumed.
func (r *ScriptedReasoner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Requests returns copies of every request seen so far.
func (r *ScriptedReasoner) Requests() []agent.ReasonRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.ReasonRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// Words splits content into deltas that concatenate back to content.
func Words(content string) []string {
	if content == "" {
		return nil
	}
	var out []string
	for word := range strings.SplitAfterSeq(content, " ") {
		if word != "" {
			out = append(out, word)
		}
	}
	return out
}

// Reply builds an assistant message without tool calls.
func Reply(content string) Response {
	return Response{Message: agent.Message{Role: agent.RoleAssistant, Content: content}}
}

// Call builds an assistant message requesting one tool call.
func Call(id string, name agent.ToolName, arguments map[string]any) Response {
	return Response{Message: agent.Message{
		Role: agent.RoleAssistant,
		ToolCalls: []agent.ToolCall{
			{ID: id, Name: name, Arguments: arguments},
		},
	}}
}

// ToolFunc handles one scripted tool call.
type ToolFunc func(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext) agent.ToolResult

// Tools is a map-backed dispatcher that records invocations.
type Tools struct {
	mu       sync.Mutex
	handlers map[agent.ToolName]ToolFunc
	review   map[agent.ToolName]bool
	calls    []agent.ToolCall
	threads  []agent.ThreadContext
}

var _ agent.ToolDispatcher = (*Tools)(nil)

func NewTools() *Tools {
	return &Tools{
		handlers: map[agent.ToolName]ToolFunc{},
		review:   map[agent.ToolName]bool{},
	}
}

// Handle registers fn for name. reviewRequired gates the tool behind AwaitReview.
func (t *Tools) Handle(name agent.ToolName, reviewRequired bool, fn ToolFunc) *Tools {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = fn
	t.review[name] = reviewRequired
	return t
}

func (t *Tools) Definitions() []agent.ToolDefinition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]agent.ToolDefinition, 0, len(t.handlers))
	for _, name := range agent.KnownToolNames() {
		if _, ok := t.handlers[name]; ok {
			out = append(out, agent.ToolDefinition{Name: name})
		}
	}
	return out
}

func (t *Tools) Classify(name agent.ToolName) agent.ReviewPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.review[name] {
		return agent.ReviewPolicyRequired
	}
	return agent.ReviewPolicyAuto
}

func (t *Tools) Invoke(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext) agent.ToolResult {
	t.mu.Lock()
	handler, ok := t.handlers[call.Name]
	t.calls = append(t.calls, agent.CloneToolCall(call))
	t.threads = append(t.threads, thread)
	t.mu.Unlock()

	if !ok {
		return agent.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("Tool %s is not available.", call.Name),
			IsError: true,
		}
	}
	return handler(ctx, call, thread)
}

// Calls returns every invoked call in order.
func (t *Tools) Calls() []agent.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]agent.ToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// Threads returns the thread context passed to each invocation.
func (t *Tools) Threads() []agent.ThreadContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]agent.ThreadContext, len(t.threads))
	copy(out, t.threads)
	return out
}

// StaticRetriever returns fixed passages and records queries.
type StaticRetriever struct {
	mu       sync.Mutex
	Passages []agent.Passage
	Err      error
	queries  []agent.RetrievalRequest
}

var _ agent.Retriever = (*StaticRetriever)(nil)

func (r *StaticRetriever) Retrieve(_ context.Context, query string, k int) ([]agent.Passage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, agent.RetrievalRequest{Query: query, K: k})
	if r.Err != nil {
		return nil, r.Err
	}
	n := min(k, len(r.Passages))
	out := make([]agent.Passage, n)
	copy(out, r.Passages[:n])
	return out, nil
}

// Queries returns every retrieval request seen so far.
func (r *StaticRetriever) Queries() []agent.RetrievalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.RetrievalRequest, len(r.queries))
	copy(out, r.queries)
	return out
}
