package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Gurpartap/agentgraph/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEmitter_DeltasPrecedeSingleTerminal(t *testing.T) {
	t.Parallel()

	emitter, s := stream.New(context.Background(), 2)
	go func() {
		defer emitter.Close()
		for _, part := range []string{"Hel", "lo", " there"} {
			_ = emitter.Delta(part)
		}
		_ = emitter.ToolInvoked(stream.ToolInvocation{CallID: "call-1", Name: "suspend_user", Result: "ok"})
		_ = emitter.Done(stream.Reply{Source: "chat", Content: "Hello there"})
		_ = emitter.Delta("late")
		_ = emitter.Fail(errors.New("late failure"), false)
	}()

	var kinds []stream.Kind
	terminals := 0
	sawTerminal := false
	for event := range s.Events() {
		kinds = append(kinds, event.Kind)
		if event.Kind.Terminal() {
			terminals++
			sawTerminal = true
			continue
		}
		require.False(t, sawTerminal, "non-terminal event %s observed after terminal", event.Kind)
	}

	assert.Equal(t, 1, terminals)
	assert.Equal(t, []stream.Kind{
		stream.KindContentDelta,
		stream.KindContentDelta,
		stream.KindContentDelta,
		stream.KindToolInvoked,
		stream.KindDone,
	}, kinds)
}

func TestEmitter_SendAfterTerminalReturnsErrStreamClosed(t *testing.T) {
	t.Parallel()

	emitter, s := stream.New(context.Background(), 4)
	require.NoError(t, emitter.Interrupt(stream.ToolInvocation{CallID: "call-1", Name: "provide_feedback"}))
	assert.ErrorIs(t, emitter.Delta("more"), stream.ErrStreamClosed)
	assert.ErrorIs(t, emitter.Done(stream.Reply{}), stream.ErrStreamClosed)
	assert.True(t, emitter.Terminated())
	emitter.Close()

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Interrupted())
	require.NotNil(t, result.Terminal.Tool)
	assert.Equal(t, "provide_feedback", result.Terminal.Tool.Name)
}

func TestEmitter_CloseWithoutTerminalEmitsError(t *testing.T) {
	t.Parallel()

	emitter, s := stream.New(context.Background(), 4)
	require.NoError(t, emitter.Delta("partial"))
	emitter.Close()
	emitter.Close()

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial", result.Content)
	assert.Equal(t, stream.KindError, result.Terminal.Kind)
	assert.Equal(t, stream.ErrNoTerminal.Error(), result.Terminal.Error)
}

func TestEmitter_BackpressureBlocksUntilConsumerReads(t *testing.T) {
	t.Parallel()

	emitter, s := stream.New(context.Background(), 1)
	require.NoError(t, emitter.Delta("first"))

	sent := make(chan struct{})
	go func() {
		_ = emitter.Delta("second")
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatalf("send completed while buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	first := <-s.Events()
	assert.Equal(t, "first", first.Delta)
	<-sent
	second := <-s.Events()
	assert.Equal(t, "second", second.Delta)
	assert.Equal(t, first.Seq+1, second.Seq)

	require.NoError(t, emitter.Done(stream.Reply{Source: "chat"}))
	emitter.Close()
	for range s.Events() {
	}
}

func TestEmitter_ConsumerGoneDetachesProducer(t *testing.T) {
	t.Parallel()

	consumerCtx, cancel := context.WithCancel(context.Background())
	emitter, _ := stream.New(consumerCtx, 1)
	require.NoError(t, emitter.Delta("buffered"))
	cancel()

	assert.ErrorIs(t, emitter.Delta("blocked"), stream.ErrConsumerGone)
	assert.NoError(t, emitter.Delta("discarded"))
	assert.NoError(t, emitter.Done(stream.Reply{Source: "chat"}))
	emitter.Close()
}

func TestStream_CollectGathersContentAndTools(t *testing.T) {
	t.Parallel()

	emitter, s := stream.New(context.Background(), 8)
	go func() {
		defer emitter.Close()
		_ = emitter.ToolInvoked(stream.ToolInvocation{CallID: "c1", Name: "get_specifics", Result: "retrieving"})
		_ = emitter.Delta("Maibel ")
		_ = emitter.Delta("AI")
		_ = emitter.Done(stream.Reply{Source: "rag", Content: "Maibel AI", Chunks: []string{"Maibel AI"}})
	}()

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Maibel AI", result.Content)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "get_specifics", result.Tools[0].Name)
	require.NotNil(t, result.Terminal.Reply)
	assert.Equal(t, "rag", result.Terminal.Reply.Source)
	assert.False(t, result.Interrupted())
}
