// Package mockmodel provides a deterministic keyword-driven reasoner for
// local runs and end-to-end tests.
package mockmodel

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Gurpartap/agentgraph/agent"
)

var callNamespace = uuid.MustParse("9a3c1f0e-52d4-4b8f-8f5e-7c0d4e6b2a19")

var (
	abuseWords   = []string{"idiot", "stupid", "useless", "shut up", "hate you"}
	projectWords = []string{"project", "maibel", "workadvisor", "mlops", "car price", "workout", "github", "overview", "solution"}
)

// Model is a deterministic reasoner.
type Model struct{}

var _ agent.Reasoner = (*Model)(nil)

func New() *Model {
	return &Model{}
}

func (m *Model) Reason(ctx context.Context, request agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
	if err := ctx.Err(); err != nil {
		return agent.Message{}, err
	}
	if len(request.Messages) == 0 {
		return agent.Message{}, fmt.Errorf("%w: empty conversation", agent.ErrUpstreamProvider)
	}

	last := request.Messages[len(request.Messages)-1]
	var message agent.Message
	switch last.Role {
	case agent.RoleTool:
		message = reply(toolFollowUp(last))
	case agent.RoleSystem:
		message = reply(retrievalFollowUp(last.Content))
	default:
		message = m.respond(request, last.Content)
	}

	for delta := range strings.SplitAfterSeq(message.Content, " ") {
		if delta == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return agent.Message{}, err
		}
		onDelta(delta)
	}
	return message, nil
}

func (m *Model) respond(request agent.ReasonRequest, input string) agent.Message {
	lower := strings.ToLower(input)
	callID := "call_" + uuid.NewSHA1(callNamespace, fmt.Appendf(nil, "%d:%s", len(request.Messages), input)).String()[:8]

	switch {
	case containsAny(lower, abuseWords) && offered(request, agent.ToolSuspendUser):
		return call(callID, agent.ToolSuspendUser, map[string]any{})
	case strings.Contains(lower, "feedback") && offered(request, agent.ToolProvideFeedback):
		body := input
		if _, after, ok := strings.Cut(input, ":"); ok && strings.TrimSpace(after) != "" {
			body = strings.TrimSpace(after)
		}
		return call(callID, agent.ToolProvideFeedback, map[string]any{"feedback": body})
	case containsAny(lower, projectWords) && offered(request, agent.ToolGetSpecifics):
		k := 2
		if strings.Contains(lower, "overview") || strings.Contains(lower, "solution") || strings.Contains(lower, "github") {
			k = 1
		}
		return call(callID, agent.ToolGetSpecifics, map[string]any{"query": input, "k_records": float64(k)})
	default:
		return reply(fmt.Sprintf("Hi! I can walk you through the portfolio projects, pass feedback along, or fetch project details. You said: %q", input))
	}
}

func toolFollowUp(message agent.Message) string {
	switch {
	case strings.HasPrefix(message.Content, agent.SkippedToolContent):
		return "Okay, I did not go ahead with that."
	case message.Name == string(agent.ToolSuspendUser):
		return "You have been suspended for inappropriate behaviour."
	case message.Name == string(agent.ToolProvideFeedback):
		return "Thanks! Your feedback has been drafted and passed along."
	default:
		first, _, _ := strings.Cut(message.Content, "\n")
		return "Tool finished: " + first
	}
}

func retrievalFollowUp(context string) string {
	lines := strings.Split(context, "\n")
	if len(lines) <= 1 {
		return "I could not find anything about that in the portfolio."
	}
	records := lines[len(lines)-1]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "Records retrieved") {
			records = strings.Join(lines[i+1:], "\n\n")
			break
		}
	}
	return "Here is what I found:\n\n" + records
}

func offered(request agent.ReasonRequest, name agent.ToolName) bool {
	for _, definition := range request.Tools {
		if definition.Name == name {
			return true
		}
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

func reply(content string) agent.Message {
	return agent.Message{Role: agent.RoleAssistant, Content: content}
}

func call(id string, name agent.ToolName, arguments map[string]any) agent.Message {
	return agent.Message{
		Role:      agent.RoleAssistant,
		ToolCalls: []agent.ToolCall{{ID: id, Name: name, Arguments: arguments}},
	}
}
