// Package retry wraps reasoning and retrieval collaborators with bounded,
// error-only retries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
)

// Config controls retry behavior for wrapped collaborators.
type Config struct {
	MaxAttempts int
	// Backoff is waited between attempts. Zero retries immediately.
	Backoff     time.Duration
	ShouldRetry func(error) bool
}

// WrapReasoner retries failed reasoning calls. An attempt that already
// streamed a delta is never retried, so consumers never see duplicated text.
func WrapReasoner(reasoner agent.Reasoner, cfg Config) agent.Reasoner {
	if reasoner == nil {
		return nil
	}
	return &reasonerWrapper{
		next: reasoner,
		cfg:  cfg,
	}
}

type reasonerWrapper struct {
	next agent.Reasoner
	cfg  Config
}

func (w *reasonerWrapper) Reason(ctx context.Context, request agent.ReasonRequest, onDelta func(string)) (agent.Message, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return agent.Message{}, ctxErr
	}

	attempts := normalizedAttempts(w.cfg.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		streamed := false
		msg, err := w.next.Reason(ctx, cloneRequest(request), func(delta string) {
			streamed = true
			onDelta(delta)
		})
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if streamed || attempt == attempts || !shouldRetry(ctx, w.cfg, err) {
			break
		}
		if !wait(ctx, w.cfg.Backoff) {
			break
		}
	}
	return agent.Message{}, lastErr
}

// WrapRetriever retries failed retrieval calls.
func WrapRetriever(retriever agent.Retriever, cfg Config) agent.Retriever {
	if retriever == nil {
		return nil
	}
	return &retrieverWrapper{
		next: retriever,
		cfg:  cfg,
	}
}

type retrieverWrapper struct {
	next agent.Retriever
	cfg  Config
}

func (w *retrieverWrapper) Retrieve(ctx context.Context, query string, k int) ([]agent.Passage, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	attempts := normalizedAttempts(w.cfg.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		passages, err := w.next.Retrieve(ctx, query, k)
		if err == nil {
			return passages, nil
		}
		lastErr = err
		if attempt == attempts || !shouldRetry(ctx, w.cfg, err) {
			break
		}
		if !wait(ctx, w.cfg.Backoff) {
			break
		}
	}
	return nil, lastErr
}

func cloneRequest(in agent.ReasonRequest) agent.ReasonRequest {
	return agent.ReasonRequest{
		Messages: agent.CloneMessages(in.Messages),
		Tools:    agent.CloneToolDefinitions(in.Tools),
	}
}

func normalizedAttempts(maxAttempts int) int {
	if maxAttempts < 1 {
		return 1
	}
	return maxAttempts
}

func shouldRetry(ctx context.Context, cfg Config, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if cfg.ShouldRetry == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if errors.Is(err, agent.ErrToolCallProtocol) {
			return false
		}
		return true
	}
	return cfg.ShouldRetry(err)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
