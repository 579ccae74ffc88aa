// Package registry is the tool dispatcher: a descriptor table built once at
// startup that classifies and invokes tool calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/Gurpartap/agentgraph/agent"
)

var (
	ErrToolUnknown   = errors.New("tool name is not in the known tool set")
	ErrToolDuplicate = errors.New("tool is registered twice")
	ErrNilHandler    = errors.New("tool handler is nil")
	ErrToolNameEmpty = errors.New("tool name is empty")
)

// Output is what a handler produces for one call.
type Output struct {
	Content    string
	Attachment string
	// Enrichment routes the engine through retrieval with this request.
	Enrichment *agent.RetrievalRequest
}

// Handler executes one tool call. The call id keys idempotent side effects.
// Identity-scoped values arrive through thread, never through model-produced
// arguments.
type Handler func(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext) (Output, error)

// Descriptor declares one tool.
type Descriptor struct {
	Name           agent.ToolName
	Description    string
	InputSchema    map[string]any
	ReviewRequired bool
	Handler        Handler
}

// Registry dispatches tool calls by name. It is immutable after New.
type Registry struct {
	logger      *slog.Logger
	descriptors map[agent.ToolName]Descriptor
	definitions []agent.ToolDefinition
}

var _ agent.ToolDispatcher = (*Registry)(nil)

func New(logger *slog.Logger, descriptors ...Descriptor) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		logger:      logger,
		descriptors: make(map[agent.ToolName]Descriptor, len(descriptors)),
	}
	for _, descriptor := range descriptors {
		switch {
		case descriptor.Name == "":
			return nil, ErrToolNameEmpty
		case !descriptor.Name.IsKnown():
			return nil, fmt.Errorf("%w: %q", ErrToolUnknown, descriptor.Name)
		case descriptor.Handler == nil:
			return nil, fmt.Errorf("%w: %q", ErrNilHandler, descriptor.Name)
		}
		if _, exists := r.descriptors[descriptor.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrToolDuplicate, descriptor.Name)
		}
		if _, err := parseRequiredFields(descriptor.InputSchema["required"]); err != nil {
			return nil, fmt.Errorf("tool %q: %w", descriptor.Name, err)
		}
		r.descriptors[descriptor.Name] = descriptor
		r.definitions = append(r.definitions, agent.ToolDefinition{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			InputSchema: descriptor.InputSchema,
		})
	}
	return r, nil
}

func (r *Registry) Definitions() []agent.ToolDefinition {
	return agent.CloneToolDefinitions(r.definitions)
}

// Classify returns the review policy of name. Unknown tools classify as auto
// and execute as degraded "not available" results.
func (r *Registry) Classify(name agent.ToolName) agent.ReviewPolicy {
	if descriptor, ok := r.descriptors[name]; ok && descriptor.ReviewRequired {
		return agent.ReviewPolicyRequired
	}
	return agent.ReviewPolicyAuto
}

// Invoke runs the call's handler. It never fails: unknown tools, invalid
// arguments, handler errors and panics all become degraded results that are
// fed back into the conversation.
func (r *Registry) Invoke(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext) (result agent.ToolResult) {
	result = agent.ToolResult{CallID: call.ID, Name: call.Name}

	descriptor, ok := r.descriptors[call.Name]
	if !ok {
		r.logFailure(ctx, call, thread, fmt.Errorf("%w: %q", ErrToolUnknown, call.Name))
		result.Content = fmt.Sprintf("Tool %s is not available.", call.Name)
		result.IsError = true
		return result
	}
	if err := validateArguments(descriptor.InputSchema, call.Arguments); err != nil {
		return r.degraded(ctx, call, thread, fmt.Errorf("invalid arguments: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return r.degraded(ctx, call, thread, err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.ErrorContext(ctx, "tool handler panicked",
				slog.String("tool", string(call.Name)),
				slog.String("stack", string(debug.Stack())),
			)
			result = r.degraded(ctx, call, thread, fmt.Errorf("panic: %v", recovered))
		}
	}()

	output, err := descriptor.Handler(ctx, call, thread)
	if err != nil {
		return r.degraded(ctx, call, thread, err)
	}
	result.Content = output.Content
	result.Attachment = output.Attachment
	if output.Enrichment != nil {
		enrichment := *output.Enrichment
		result.Enrichment = &enrichment
	}
	return result
}

func (r *Registry) degraded(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext, cause error) agent.ToolResult {
	r.logFailure(ctx, call, thread, cause)
	reason := strings.TrimRight(cause.Error(), ".")
	return agent.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("Tool %s failed: %s.", call.Name, reason),
		IsError: true,
	}
}

func (r *Registry) logFailure(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext, cause error) {
	err := fmt.Errorf("%w: tool=%s call_id=%s: %w", agent.ErrToolExecution, call.Name, call.ID, cause)
	r.logger.WarnContext(ctx, "tool execution degraded",
		slog.String("thread_id", string(thread.ThreadID)),
		slog.String("tool", string(call.Name)),
		slog.String("call_id", call.ID),
		slog.Any("error", err),
	)
}
