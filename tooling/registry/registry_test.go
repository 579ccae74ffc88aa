package registry_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurpartap/agentgraph/agent"
	toolingregistry "github.com/Gurpartap/agentgraph/tooling/registry"
)

func okHandler(content string) toolingregistry.Handler {
	return func(context.Context, agent.ToolCall, agent.ThreadContext) (toolingregistry.Output, error) {
		return toolingregistry.Output{Content: content}, nil
	}
}

func TestNew_RejectsInvalidDescriptors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		descriptors []toolingregistry.Descriptor
		want        error
	}{
		{
			name:        "empty name",
			descriptors: []toolingregistry.Descriptor{{Handler: okHandler("x")}},
			want:        toolingregistry.ErrToolNameEmpty,
		},
		{
			name:        "unknown name",
			descriptors: []toolingregistry.Descriptor{{Name: "delete_everything", Handler: okHandler("x")}},
			want:        toolingregistry.ErrToolUnknown,
		},
		{
			name:        "nil handler",
			descriptors: []toolingregistry.Descriptor{{Name: agent.ToolSuspendUser}},
			want:        toolingregistry.ErrNilHandler,
		},
		{
			name: "duplicate",
			descriptors: []toolingregistry.Descriptor{
				{Name: agent.ToolSuspendUser, Handler: okHandler("a")},
				{Name: agent.ToolSuspendUser, Handler: okHandler("b")},
			},
			want: toolingregistry.ErrToolDuplicate,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := toolingregistry.New(nil, tc.descriptors...)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClassify_UsesDescriptorReviewFlag(t *testing.T) {
	t.Parallel()

	registry, err := toolingregistry.New(nil,
		toolingregistry.Descriptor{Name: agent.ToolSuspendUser, Handler: okHandler("ok")},
		toolingregistry.Descriptor{Name: agent.ToolProvideFeedback, ReviewRequired: true, Handler: okHandler("ok")},
	)
	require.NoError(t, err)

	assert.Equal(t, agent.ReviewPolicyAuto, registry.Classify(agent.ToolSuspendUser))
	assert.Equal(t, agent.ReviewPolicyRequired, registry.Classify(agent.ToolProvideFeedback))
	assert.Equal(t, agent.ReviewPolicyAuto, registry.Classify(agent.ToolGetSpecifics), "unregistered tools classify as auto")

	definitions := registry.Definitions()
	require.Len(t, definitions, 2)
	assert.Equal(t, agent.ToolSuspendUser, definitions[0].Name)
}

func TestInvoke_PassesThreadContextAndOutput(t *testing.T) {
	t.Parallel()

	var seen agent.ThreadContext
	registry, err := toolingregistry.New(nil, toolingregistry.Descriptor{
		Name: agent.ToolGetSpecifics,
		Handler: func(_ context.Context, call agent.ToolCall, thread agent.ThreadContext) (toolingregistry.Output, error) {
			seen = thread
			return toolingregistry.Output{
				Content:    "retrieving",
				Enrichment: &agent.RetrievalRequest{Query: call.Arguments["query"].(string), K: 1},
			}, nil
		},
	})
	require.NoError(t, err)

	thread := agent.ThreadContext{ThreadID: "user-1", Fingerprint: "fp-1"}
	result := registry.Invoke(context.Background(), agent.ToolCall{
		ID:        "call-1",
		Name:      agent.ToolGetSpecifics,
		Arguments: map[string]any{"query": "Overview - Maibel AI App"},
	}, thread)

	assert.Equal(t, thread, seen)
	assert.False(t, result.IsError)
	assert.Equal(t, "call-1", result.CallID)
	assert.Equal(t, "retrieving", result.Content)
	require.NotNil(t, result.Enrichment)
	assert.Equal(t, "Overview - Maibel AI App", result.Enrichment.Query)
}

func TestInvoke_DegradesInsteadOfFailing(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type":     "object",
		"required": []any{"query"},
		"properties": map[string]any{
			"query":     map[string]any{"type": "string"},
			"k_records": map[string]any{"type": "integer"},
		},
		"additionalProperties": false,
	}
	registry, err := toolingregistry.New(nil,
		toolingregistry.Descriptor{
			Name:        agent.ToolGetSpecifics,
			InputSchema: schema,
			Handler:     okHandler("fine"),
		},
		toolingregistry.Descriptor{
			Name: agent.ToolSuspendUser,
			Handler: func(context.Context, agent.ToolCall, agent.ThreadContext) (toolingregistry.Output, error) {
				return toolingregistry.Output{}, errors.New("users table locked")
			},
		},
		toolingregistry.Descriptor{
			Name: agent.ToolProvideFeedback,
			Handler: func(context.Context, agent.ToolCall, agent.ThreadContext) (toolingregistry.Output, error) {
				panic("boom")
			},
		},
	)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		call     agent.ToolCall
		contains string
	}{
		{
			name:     "handler error",
			call:     agent.ToolCall{ID: "c1", Name: agent.ToolSuspendUser},
			contains: "Tool suspend_user failed: users table locked.",
		},
		{
			name:     "handler panic",
			call:     agent.ToolCall{ID: "c2", Name: agent.ToolProvideFeedback},
			contains: "panic: boom",
		},
		{
			name:     "missing required argument",
			call:     agent.ToolCall{ID: "c3", Name: agent.ToolGetSpecifics, Arguments: map[string]any{}},
			contains: `missing required argument "query"`,
		},
		{
			name:     "wrong argument type",
			call:     agent.ToolCall{ID: "c4", Name: agent.ToolGetSpecifics, Arguments: map[string]any{"query": "x", "k_records": 1.5}},
			contains: `argument "k_records" must be "integer"`,
		},
		{
			name:     "unknown argument",
			call:     agent.ToolCall{ID: "c5", Name: agent.ToolGetSpecifics, Arguments: map[string]any{"query": "x", "fingerprint": "spoofed"}},
			contains: `unknown argument "fingerprint"`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := registry.Invoke(context.Background(), tc.call, agent.ThreadContext{ThreadID: "t"})
			assert.True(t, result.IsError)
			assert.Equal(t, tc.call.ID, result.CallID)
			assert.True(t, strings.Contains(result.Content, tc.contains), "content %q should contain %q", result.Content, tc.contains)
		})
	}
}

func TestInvoke_UnregisteredToolIsNotAvailable(t *testing.T) {
	t.Parallel()

	registry, err := toolingregistry.New(nil)
	require.NoError(t, err)

	result := registry.Invoke(context.Background(), agent.ToolCall{ID: "c1", Name: "missing"}, agent.ThreadContext{})
	assert.True(t, result.IsError)
	assert.Equal(t, "Tool missing is not available.", result.Content)
}

func TestInvoke_WholeFloatSatisfiesInteger(t *testing.T) {
	t.Parallel()

	registry, err := toolingregistry.New(nil, toolingregistry.Descriptor{
		Name: agent.ToolGetSpecifics,
		InputSchema: map[string]any{
			"properties": map[string]any{"k_records": map[string]any{"type": "integer"}},
		},
		Handler: okHandler("ok"),
	})
	require.NoError(t, err)

	result := registry.Invoke(context.Background(), agent.ToolCall{
		ID:        "c1",
		Name:      agent.ToolGetSpecifics,
		Arguments: map[string]any{"k_records": float64(2)},
	}, agent.ThreadContext{})
	assert.False(t, result.IsError, result.Content)
}
