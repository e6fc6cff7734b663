package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan ChangeEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub backed by buffered channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
// Subscribers re-read the store snapshot on each event, so a dropped
// notification only delays them until the next one.
func (h *MemoryHub) Publish(ctx context.Context, event ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it; the subscription is also removed when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan ChangeEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan ChangeEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)

	return ch, func() {
		stop()
		cancel()
	}, nil
}

func matchFilter(f EventFilter, e ChangeEvent) bool {
	if f.PlanID != "" && f.PlanID != e.PlanID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}
