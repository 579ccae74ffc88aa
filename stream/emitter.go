// Package stream turns engine progress into an ordered, backpressured event
// sequence for exactly one consumer.
//
// A stream carries any number of content deltas and tool invocations followed
// by exactly one terminal event (interrupt, done or error). Events travel over
// a single bounded channel, so everything sent before the terminal event is
// delivered before it.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const DefaultBuffer = 16

var (
	// ErrStreamClosed is returned for sends after the terminal event.
	ErrStreamClosed = errors.New("stream already terminated")
	// ErrConsumerGone is returned once when the consumer stops reading.
	ErrConsumerGone = errors.New("stream consumer is gone")
	// ErrNoTerminal is reported when a producer closes without a terminal event.
	ErrNoTerminal = errors.New("stream closed without terminal event")
)

// Emitter is the producer side of a stream. It is safe for concurrent use,
// although the engine drives it from a single goroutine.
type Emitter struct {
	mu         sync.Mutex
	ch         chan Event
	consumer   context.Context
	next       int
	terminated bool
	detached   bool
	closed     bool
}

// Stream is the consumer side of a stream.
type Stream struct {
	ch <-chan Event
}

// New creates a connected emitter/stream pair. Sends block while buffer events
// are pending and the consumer context is alive.
func New(consumer context.Context, buffer int) (*Emitter, *Stream) {
	if consumer == nil {
		consumer = context.Background()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	return &Emitter{ch: ch, consumer: consumer}, &Stream{ch: ch}
}

// Delta sends a content delta. Empty deltas are dropped.
func (e *Emitter) Delta(text string) error {
	if text == "" {
		return nil
	}
	return e.send(Event{Kind: KindContentDelta, Delta: text})
}

// ToolInvoked reports an executed tool.
func (e *Emitter) ToolInvoked(tool ToolInvocation) error {
	return e.send(Event{Kind: KindToolInvoked, Tool: &tool})
}

// Interrupt terminates the stream with a request for a human decision.
func (e *Emitter) Interrupt(tool ToolInvocation) error {
	return e.send(Event{Kind: KindInterruptRequested, Tool: &tool})
}

// Done terminates the stream with the finalized reply.
func (e *Emitter) Done(reply Reply) error {
	return e.send(Event{Kind: KindDone, Reply: &reply})
}

// Fail terminates the stream with an error event.
func (e *Emitter) Fail(err error, retryable bool) error {
	message := "stream failed"
	if err != nil {
		message = err.Error()
	}
	return e.send(Event{Kind: KindError, Error: message, Retryable: retryable})
}

// Terminated reports whether a terminal event has been sent.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Close ends the stream. A producer that never sent a terminal event causes
// a synthetic error event so the consumer never mistakes truncation for
// completion.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if !e.terminated {
		e.deliverLocked(Event{Kind: KindError, Error: ErrNoTerminal.Error()})
		e.terminated = true
	}
	e.closed = true
	close(e.ch)
}

func (e *Emitter) send(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated || e.closed {
		return ErrStreamClosed
	}
	if event.Kind.Terminal() {
		e.terminated = true
	}
	return e.deliverLocked(event)
}

// deliverLocked blocks on the channel while holding mu; the consumer never
// takes mu so this cannot deadlock, and it keeps sends strictly ordered.
func (e *Emitter) deliverLocked(event Event) error {
	if e.detached {
		return nil
	}
	event.Seq = e.next
	e.next++
	select {
	case e.ch <- event:
		return nil
	case <-e.consumer.Done():
		e.detached = true
		return ErrConsumerGone
	}
}

// Events returns the ordered event channel. It is closed after the terminal
// event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Result is the collected outcome of a stream.
type Result struct {
	Content  string
	Tools    []ToolInvocation
	Terminal Event
}

// Interrupted reports whether the stream ended waiting on a human decision.
func (r Result) Interrupted() bool {
	return r.Terminal.Kind == KindInterruptRequested
}

// Collect drains the stream. It returns an error only when ctx ends first;
// error events are reported through Result.Terminal.
func (s *Stream) Collect(ctx context.Context) (Result, error) {
	var (
		result  Result
		content strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			result.Content = content.String()
			return result, ctx.Err()
		case event, ok := <-s.ch:
			if !ok {
				result.Content = content.String()
				return result, nil
			}
			switch event.Kind {
			case KindContentDelta:
				content.WriteString(event.Delta)
			case KindToolInvoked:
				if event.Tool != nil {
					result.Tools = append(result.Tools, *event.Tool)
				}
			default:
				result.Terminal = cloneEvent(event)
			}
		}
	}
}
