package runtimewire

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/internal/config"
)

func TestNewRuntimeEventLogSink_NilLogger(t *testing.T) {
	t.Parallel()

	if sink := newRuntimeEventLogSink(nil, config.LogFormatText); sink != nil {
		t.Fatalf("expected nil sink for nil logger")
	}
}

func TestRuntimeEventLogSink_DebugTextFormatLogsFullEventJSONString(t *testing.T) {
	t.Parallel()

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := newRuntimeEventLogSink(logger, config.LogFormatText)

	event := agent.Event{
		ThreadID:    "visitor-1",
		Seq:         2,
		Type:        agent.EventTypeToolExecuted,
		Node:        agent.NodeExecute,
		PendingNode: agent.NodeReason,
		ToolResult:  &agent.ToolResult{CallID: "call-1", Content: "full payload content"},
	}
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	line := logBuffer.String()
	if !strings.Contains(line, "graph event") {
		t.Fatalf("missing log message: %s", line)
	}
	if !strings.Contains(line, "full payload content") {
		t.Fatalf("expected full event payload in debug logs: %s", line)
	}
	if !strings.Contains(line, "thread_id=visitor-1") {
		t.Fatalf("expected thread id attribute: %s", line)
	}
}

func TestRuntimeEventLogSink_DebugJSONFormatLogsNestedObject(t *testing.T) {
	t.Parallel()

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := newRuntimeEventLogSink(logger, config.LogFormatJSON)

	event := agent.Event{
		ThreadID:    "visitor-2",
		Seq:         3,
		Type:        agent.EventTypeCheckpointCommitted,
		Node:        agent.NodeReason,
		PendingNode: agent.NodeRoute,
	}
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	line := logBuffer.String()
	if !strings.Contains(line, `"event":{"thread_id":"visitor-2"`) {
		t.Fatalf("expected nested JSON event object: %s", line)
	}
	if strings.Contains(line, `"event":"{\"thread_id\"`) {
		t.Fatalf("expected event object, found escaped string: %s", line)
	}
}

func TestRuntimeEventLogSink_InfoSkipsEventDebugLogs(t *testing.T) {
	t.Parallel()

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := newRuntimeEventLogSink(logger, config.LogFormatText)

	event := agent.Event{ThreadID: "visitor-1", Seq: 0, Type: agent.EventTypeThreadWiped}
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if logBuffer.Len() != 0 {
		t.Fatalf("expected no debug output at info level, got: %s", logBuffer.String())
	}
}

func TestRuntimeEventLogSink_ContextErrors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	sink := newRuntimeEventLogSink(logger, config.LogFormatText)
	event := agent.Event{ThreadID: "visitor-1", Type: agent.EventTypeThreadWiped}

	if err := sink.Publish(nil, event); !errors.Is(err, agent.ErrContextNil) {
		t.Fatalf("expected ErrContextNil, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Publish(ctx, event); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type failingSink struct{ err error }

func (s failingSink) Publish(context.Context, agent.Event) error { return s.err }

func TestFanoutSink_JoinsErrorsAndSkipsNil(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	second := errors.New("second")
	sink := newFanoutSink(nil, failingSink{err: first}, failingSink{err: second}, failingSink{})

	err := sink.Publish(context.Background(), agent.Event{ThreadID: "t", Type: agent.EventTypeThreadWiped})
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected joined errors, got %v", err)
	}
	if len(sink.sinks) != 3 {
		t.Fatalf("nil sink should be filtered, got %d sinks", len(sink.sinks))
	}
}
