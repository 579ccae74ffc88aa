package modelopenai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gurpartap/agentgraph/agent"
)

func TestBuildRequest_DedupesRepeatedToolObservationByCallID(t *testing.T) {
	t.Parallel()

	request, err := buildRequest(
		"gpt-4o-mini",
		nil,
		agent.ReasonRequest{
			Messages: []agent.Message{
				{Role: agent.RoleUser, Content: "Please pass on feedback: love the site"},
				{
					Role: agent.RoleAssistant,
					ToolCalls: []agent.ToolCall{
						{
							ID:        "call-1",
							Name:      agent.ToolProvideFeedback,
							Arguments: map[string]any{"feedback": "love the site"},
						},
					},
				},
				{
					Role:       agent.RoleTool,
					ToolCallID: "call-1",
					Name:       "provide_feedback",
					Content:    "Tool execution skipped.",
				},
				{Role: agent.RoleUser, Content: "ok try again"},
				{
					Role:       agent.RoleTool,
					ToolCallID: "call-1",
					Name:       "provide_feedback",
					Content:    "Feedback drafted for Ethan.",
				},
			},
			Tools: []agent.ToolDefinition{
				{
					Name:        agent.ToolProvideFeedback,
					Description: "pass feedback to the owner",
					InputSchema: map[string]any{"type": "object"},
				},
			},
		},
	)
	if err != nil {
		t.Fatalf("buildRequest returned error: %v", err)
	}

	if !request.Stream {
		t.Fatalf("request must stream")
	}
	if len(request.Messages) != 4 {
		t.Fatalf("provider messages length mismatch: got=%d want=%d", len(request.Messages), 4)
	}
	if request.Messages[1].Role != "assistant" {
		t.Fatalf("assistant role mismatch: got=%q want=%q", request.Messages[1].Role, "assistant")
	}
	if request.Messages[1].ToolCalls[0].Function.Arguments != `{"feedback":"love the site"}` {
		t.Fatalf("tool call arguments mismatch: got=%q", request.Messages[1].ToolCalls[0].Function.Arguments)
	}
	if request.Messages[2].Role != "tool" || request.Messages[2].ToolCallID != "call-1" {
		t.Fatalf("tool message mismatch: %+v", request.Messages[2])
	}
	if request.Messages[2].Content != "Feedback drafted for Ethan." {
		t.Fatalf("tool content mismatch: got=%q", request.Messages[2].Content)
	}
	if request.Messages[3].Role != "user" {
		t.Fatalf("user role mismatch: got=%q want=%q", request.Messages[3].Role, "user")
	}
	if request.Tools[0].Function.Name != "provide_feedback" {
		t.Fatalf("tool name mismatch: got=%q", request.Tools[0].Function.Name)
	}
}

func TestBuildRequest_RejectsToolObservationWithoutAssistantToolCall(t *testing.T) {
	t.Parallel()

	_, err := buildRequest("gpt-4o-mini", nil, agent.ReasonRequest{
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: "hi"},
			{Role: agent.RoleTool, ToolCallID: "call-404", Content: "orphan"},
		},
	})
	if err == nil {
		t.Fatalf("expected buildRequest error")
	}
	if !strings.Contains(err.Error(), `unknown tool_call_id "call-404"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "gpt-4o-mini"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected missing model error")
	}
}

func sseServer(t *testing.T, status int, lines ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization %q", got)
		}
		var payload chatCompletionRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !payload.Stream {
			t.Errorf("expected stream request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestAdapter(t *testing.T, server *httptest.Server) *Adapter {
	t.Helper()
	adapter, err := New(Config{
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		BaseURL:    server.URL + "/v1",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestReason_StreamsContentDeltas(t *testing.T) {
	t.Parallel()

	server := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" there"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	var deltas []string
	message, err := newTestAdapter(t, server).Reason(context.Background(), agent.ReasonRequest{
		Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}},
	}, func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if message.Role != agent.RoleAssistant || message.Content != "Hello there" {
		t.Fatalf("unexpected message: %+v", message)
	}
	if strings.Join(deltas, "|") != "Hello| there" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
	if len(message.ToolCalls) != 0 {
		t.Fatalf("unexpected tool calls: %+v", message.ToolCalls)
	}
}

func TestReason_AccumulatesToolCallFragments(t *testing.T) {
	t.Parallel()

	server := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_specifics","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"Overview"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":" - Maibel\",\"k_records\":1}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	)

	message, err := newTestAdapter(t, server).Reason(context.Background(), agent.ReasonRequest{}, func(string) {
		t.Errorf("no content deltas expected")
	})
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if len(message.ToolCalls) != 1 {
		t.Fatalf("unexpected tool calls: %+v", message.ToolCalls)
	}
	call := message.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != agent.ToolGetSpecifics {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.Arguments["query"] != "Overview - Maibel" || call.Arguments["k_records"] != float64(1) {
		t.Fatalf("unexpected arguments: %+v", call.Arguments)
	}
}

func TestReason_WrapsProviderFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
		lines  []string
	}{
		{name: "non 2xx", status: http.StatusTooManyRequests, lines: []string{`{"error":"rate limited"}`}},
		{name: "malformed chunk", status: http.StatusOK, lines: []string{`data: {not json`}},
		{name: "truncated stream", status: http.StatusOK, lines: []string{`data: {"choices":[{"delta":{"content":"Hel"}}]}`}},
		{
			name:   "malformed arguments",
			status: http.StatusOK,
			lines: []string{
				`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"suspend_user","arguments":"{"}}]}}]}`,
				`data: [DONE]`,
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := sseServer(t, tc.status, tc.lines...)
			_, err := newTestAdapter(t, server).Reason(context.Background(), agent.ReasonRequest{}, func(string) {})
			if !errors.Is(err, agent.ErrUpstreamProvider) {
				t.Fatalf("expected ErrUpstreamProvider, got %v", err)
			}
		})
	}
}
