package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// leaseTable grants at most one holder per thread. Slots are reference
// counted so idle threads do not accumulate.
type leaseTable struct {
	mu    sync.Mutex
	slots map[ThreadID]*leaseSlot
}

type leaseSlot struct {
	sem  chan struct{}
	refs int
}

func newLeaseTable() *leaseTable {
	return &leaseTable{slots: map[ThreadID]*leaseSlot{}}
}

// acquire takes the thread lease. A zero wait fails fast with ErrThreadBusy,
// a positive wait queues for at most that long, and a negative wait queues
// until ctx ends.
func (t *leaseTable) acquire(ctx context.Context, threadID ThreadID, wait time.Duration) (func(), error) {
	slot := t.ref(threadID)

	select {
	case slot.sem <- struct{}{}:
		return t.releaser(threadID, slot), nil
	default:
	}
	if wait == 0 {
		t.unref(threadID, slot)
		return nil, fmt.Errorf("%w: thread_id=%q", ErrThreadBusy, threadID)
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case slot.sem <- struct{}{}:
		return t.releaser(threadID, slot), nil
	case <-timeout:
		t.unref(threadID, slot)
		return nil, fmt.Errorf("%w: thread_id=%q waited=%s", ErrThreadBusy, threadID, wait)
	case <-ctx.Done():
		t.unref(threadID, slot)
		return nil, fmt.Errorf("%w: thread_id=%q: %w", ErrThreadBusy, threadID, ctx.Err())
	}
}

func (t *leaseTable) ref(threadID ThreadID) *leaseSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[threadID]
	if !ok {
		slot = &leaseSlot{sem: make(chan struct{}, 1)}
		t.slots[threadID] = slot
	}
	slot.refs++
	return slot
}

func (t *leaseTable) unref(threadID ThreadID, slot *leaseSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(t.slots, threadID)
	}
}

func (t *leaseTable) releaser(threadID ThreadID, slot *leaseSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			t.unref(threadID, slot)
		})
	}
}

func (t *leaseTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
