package mockmodel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurpartap/agentgraph/agent"
)

var allTools = []agent.ToolDefinition{
	{Name: agent.ToolSuspendUser},
	{Name: agent.ToolProvideFeedback},
	{Name: agent.ToolGetSpecifics},
}

func reason(t *testing.T, messages ...agent.Message) (agent.Message, string) {
	t.Helper()
	var streamed strings.Builder
	message, err := New().Reason(context.Background(), agent.ReasonRequest{Messages: messages, Tools: allTools}, func(delta string) {
		streamed.WriteString(delta)
	})
	require.NoError(t, err)
	return message, streamed.String()
}

func TestReason_KeywordRouting(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		tool  agent.ToolName
	}{
		{input: "you are useless", tool: agent.ToolSuspendUser},
		{input: "feedback: the header lock is great", tool: agent.ToolProvideFeedback},
		{input: "show me the overview of the Maibel project", tool: agent.ToolGetSpecifics},
		{input: "hello there", tool: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			message, streamed := reason(t, agent.Message{Role: agent.RoleUser, Content: tc.input})
			if tc.tool == "" {
				assert.Empty(t, message.ToolCalls)
				assert.Equal(t, message.Content, streamed)
				return
			}
			require.Len(t, message.ToolCalls, 1)
			assert.Equal(t, tc.tool, message.ToolCalls[0].Name)
			assert.True(t, strings.HasPrefix(message.ToolCalls[0].ID, "call_"))
			assert.Empty(t, streamed)
		})
	}
}

func TestReason_ArgumentsAndStableIDs(t *testing.T) {
	t.Parallel()

	first, _ := reason(t, agent.Message{Role: agent.RoleUser, Content: "feedback: nice site"})
	second, _ := reason(t, agent.Message{Role: agent.RoleUser, Content: "feedback: nice site"})
	assert.Equal(t, first.ToolCalls[0].ID, second.ToolCalls[0].ID)
	assert.Equal(t, "nice site", first.ToolCalls[0].Arguments["feedback"])

	specifics, _ := reason(t, agent.Message{Role: agent.RoleUser, Content: "tell me about mlops"})
	assert.Equal(t, float64(2), specifics.ToolCalls[0].Arguments["k_records"])
}

func TestReason_FollowUps(t *testing.T) {
	t.Parallel()

	skipped, _ := reason(t, agent.Message{Role: agent.RoleTool, Name: "provide_feedback", Content: agent.SkippedToolContent})
	assert.Equal(t, "Okay, I did not go ahead with that.", skipped.Content)

	sent, _ := reason(t, agent.Message{Role: agent.RoleTool, Name: "provide_feedback", Content: "Feedback drafted"})
	assert.Contains(t, sent.Content, "passed along")

	found, _ := reason(t, agent.Message{Role: agent.RoleSystem, Content: "Provide only necessary information.\nRecords retrieved for \"x\":\n1. Overview: github.com/e/x"})
	assert.Equal(t, "Here is what I found:\n\n1. Overview: github.com/e/x", found.Content)

	empty, _ := reason(t, agent.Message{Role: agent.RoleSystem, Content: "No records were found for \"x\"."})
	assert.Contains(t, empty.Content, "could not find")
}

func TestReason_OnlyCallsOfferedTools(t *testing.T) {
	t.Parallel()

	message, err := New().Reason(context.Background(), agent.ReasonRequest{
		Messages: []agent.Message{{Role: agent.RoleUser, Content: "you are useless"}},
	}, func(string) {})
	require.NoError(t, err)
	assert.Empty(t, message.ToolCalls)
}
