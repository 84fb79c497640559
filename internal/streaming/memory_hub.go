package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// SubscriberBuffer is the per-subscription channel capacity.
const SubscriberBuffer = 64

// Matches reports whether e passes the filter. Empty fields match anything.
func (f EventFilter) Matches(e Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.Type)
}

type subscription struct {
	filter EventFilter
	events chan Event
	once   sync.Once
}

// MemoryHub fans events out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event
// and the miss is counted.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	missed atomic.Uint64
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[*subscription]struct{}{}}
}

// Notify delivers event to every subscription whose filter accepts it.
func (h *MemoryHub) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.Matches(event) {
			continue
		}
		select {
		case s.events <- event:
		default:
			h.missed.Add(1)
		}
	}
	return nil
}

// Subscribe registers filter and returns the event channel with a cancel
// func. Cancel is idempotent and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &subscription{filter: filter, events: make(chan Event, SubscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.events, func() { h.unsubscribe(s) }, nil
}

func (h *MemoryHub) unsubscribe(s *subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.events)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.missed.Load()
}

var _ EventHub = (*MemoryHub)(nil)
