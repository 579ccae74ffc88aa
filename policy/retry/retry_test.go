package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Gurpartap/agentgraph/agent"
)

type reasonerFunc func(context.Context, agent.ReasonRequest, func(string)) (agent.Message, error)

func (f reasonerFunc) Reason(ctx context.Context, request agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
	return f(ctx, request, onDelta)
}

type retrieverFunc func(context.Context, string, int) ([]agent.Passage, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string, k int) ([]agent.Passage, error) {
	return f(ctx, query, k)
}

func TestWrapReasoner_FailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	attempts := 0
	request := agent.ReasonRequest{Messages: []agent.Message{{Role: agent.RoleUser, Content: "seed"}}}
	reasoner := reasonerFunc(func(_ context.Context, req agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
		attempts++
		if req.Messages[0].Content != "seed" {
			t.Fatalf("attempt %d received mutated request: %q", attempts, req.Messages[0].Content)
		}
		req.Messages[0].Content = fmt.Sprintf("attempt-%d", attempts)
		if attempts < 3 {
			return agent.Message{}, fmt.Errorf("attempt %d failed", attempts)
		}
		onDelta("ok")
		return agent.Message{Role: agent.RoleAssistant, Content: "ok"}, nil
	})

	var deltas []string
	msg, err := WrapReasoner(reasoner, Config{MaxAttempts: 3}).Reason(context.Background(), request, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("reason returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
	if msg.Content != "ok" || len(deltas) != 1 {
		t.Fatalf("unexpected result: msg=%+v deltas=%v", msg, deltas)
	}
	if request.Messages[0].Content != "seed" {
		t.Fatalf("wrapper should preserve caller request, got %q", request.Messages[0].Content)
	}
}

func TestWrapReasoner_NoRetryAfterStreamedDelta(t *testing.T) {
	t.Parallel()

	attempts := 0
	reasoner := reasonerFunc(func(_ context.Context, _ agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
		attempts++
		onDelta("partial ")
		return agent.Message{}, errors.New("connection reset")
	})

	_, err := WrapReasoner(reasoner, Config{MaxAttempts: 5}).Reason(context.Background(), agent.ReasonRequest{}, func(string) {})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("streamed attempt must not be retried, attempts=%d", attempts)
	}
}

func TestWrapReasoner_ProtocolErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	reasoner := reasonerFunc(func(context.Context, agent.ReasonRequest, func(string)) (agent.Message, error) {
		attempts++
		return agent.Message{}, agent.ErrToolCallProtocol
	})

	_, err := WrapReasoner(reasoner, Config{MaxAttempts: 3}).Reason(context.Background(), agent.ReasonRequest{}, func(string) {})
	if !errors.Is(err, agent.ErrToolCallProtocol) {
		t.Fatalf("expected ErrToolCallProtocol, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
}

func TestWrapRetriever_ShouldRetryFalseStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	permanent := errors.New("index missing")
	retriever := retrieverFunc(func(context.Context, string, int) ([]agent.Passage, error) {
		attempts++
		return nil, permanent
	})

	_, err := WrapRetriever(retriever, Config{
		MaxAttempts: 4,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}).Retrieve(context.Background(), "q", 1)
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
}

func TestWrapRetriever_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	retriever := retrieverFunc(func(_ context.Context, query string, k int) ([]agent.Passage, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("timeout talking to embedder")
		}
		return []agent.Passage{{Content: query}}, nil
	})

	passages, err := WrapRetriever(retriever, Config{MaxAttempts: 2}).Retrieve(context.Background(), "Overview - workAdvisor", 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if attempts != 2 || len(passages) != 1 {
		t.Fatalf("unexpected attempts=%d passages=%v", attempts, passages)
	}
}

func TestWrap_NilCollaboratorsStayNil(t *testing.T) {
	t.Parallel()

	if WrapReasoner(nil, Config{}) != nil {
		t.Fatalf("expected nil reasoner")
	}
	if WrapRetriever(nil, Config{}) != nil {
		t.Fatalf("expected nil retriever")
	}
}

func TestWrapReasoner_CancelledContextSkipsCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	reasoner := reasonerFunc(func(context.Context, agent.ReasonRequest, func(string)) (agent.Message, error) {
		called = true
		return agent.Message{}, nil
	})
	_, err := WrapReasoner(reasoner, Config{MaxAttempts: 2}).Reason(ctx, agent.ReasonRequest{}, func(string) {})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before call, err=%v called=%v", err, called)
	}
}
