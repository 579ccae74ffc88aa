// Package inmem records engine observability events in memory.
package inmem

import (
	"context"
	"sync"

	"github.com/Gurpartap/agentgraph/agent"
)

// Sink captures engine events in memory and exposes deterministic snapshots.
// A wiped thread's earlier events are dropped along with its checkpoints.
type Sink struct {
	mu       sync.RWMutex
	events   []agent.Event
	capacity int
}

var _ agent.EventSink = (*Sink)(nil)

// New returns a sink that keeps every event.
func New() *Sink {
	return &Sink{events: make([]agent.Event, 0)}
}

// NewBounded returns a sink that keeps only the most recent capacity events.
func NewBounded(capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{events: make([]agent.Event, 0, capacity), capacity: capacity}
}

func (s *Sink) Publish(ctx context.Context, event agent.Event) error {
	if ctx == nil {
		return agent.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := agent.ValidateEvent(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Type == agent.EventTypeThreadWiped {
		s.forgetLocked(event.ThreadID)
	}
	s.events = append(s.events, agent.CloneEvent(event))
	if s.capacity > 0 && len(s.events) > s.capacity {
		n := copy(s.events, s.events[len(s.events)-s.capacity:])
		clear(s.events[n:])
		s.events = s.events[:n]
	}
	return nil
}

func (s *Sink) forgetLocked(threadID agent.ThreadID) {
	kept := s.events[:0]
	for _, event := range s.events {
		if event.ThreadID != threadID {
			kept = append(kept, event)
		}
	}
	clear(s.events[len(kept):])
	s.events = kept
}

// Events returns a copy of every event published so far.
func (s *Sink) Events() []agent.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]agent.Event, len(s.events))
	for i := range s.events {
		out[i] = agent.CloneEvent(s.events[i])
	}
	return out
}

// ForThread returns the events of one thread in publish order.
func (s *Sink) ForThread(threadID agent.ThreadID) []agent.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []agent.Event
	for i := range s.events {
		if s.events[i].ThreadID == threadID {
			out = append(out, agent.CloneEvent(s.events[i]))
		}
	}
	return out
}

// Types returns the event types of one thread in publish order.
func (s *Sink) Types(threadID agent.ThreadID) []agent.EventType {
	events := s.ForThread(threadID)
	out := make([]agent.EventType, len(events))
	for i := range events {
		out[i] = events[i].Type
	}
	return out
}
