package workflow

import (
	"context"
	"encoding/json"
	"sync"
)

// Hub fans published events out to in-process waiters and spills events
// with no waiter into the durable EventStore. One Hub is shared by all
// engines in a process; event keys are globally unique (they embed the
// generation-task ID).
type Hub struct {
	mu      sync.Mutex
	waiters map[string][]chan json.RawMessage
	events  EventStore
}

// NewHub creates a hub backed by the given durable event store.
func NewHub(events EventStore) *Hub {
	return &Hub{
		waiters: make(map[string][]chan json.RawMessage),
		events:  events,
	}
}

// Publish delivers payload to every waiter subscribed to key. When no
// waiter is attached the event is stored durably so a later WaitForEvent
// picks it up. Delivery happens under the hub lock: a waiter removed by
// abandon can never be delivered to, and a waiter delivered to before
// abandon acquires the lock leaves the payload in its buffered channel
// for abandon to respill.
func (h *Hub) Publish(ctx context.Context, key string, payload json.RawMessage) error {
	h.mu.Lock()
	chans := h.waiters[key]
	delete(h.waiters, key)
	for _, ch := range chans {
		ch <- payload
		close(ch)
	}
	h.mu.Unlock()

	if len(chans) == 0 {
		return h.events.PutEvent(ctx, key, payload)
	}
	return nil
}

// subscribe registers a waiter for key, first draining any durably
// stored event for it.
func (h *Hub) subscribe(ctx context.Context, key string) (<-chan json.RawMessage, error) {
	if payload, ok, err := h.events.TakeEvent(ctx, key); err != nil {
		return nil, err
	} else if ok {
		ch := make(chan json.RawMessage, 1)
		ch <- payload
		close(ch)
		return ch, nil
	}
	ch := make(chan json.RawMessage, 1)
	h.mu.Lock()
	h.waiters[key] = append(h.waiters[key], ch)
	h.mu.Unlock()
	return ch, nil
}

// abandon removes a waiter whose context was canceled. A publish racing
// the cancellation may already have delivered into the buffered channel;
// any such payload is respilled to the durable store so a replayed wait
// for the same key still observes the event.
func (h *Hub) abandon(ctx context.Context, key string, ch <-chan json.RawMessage) error {
	h.mu.Lock()
	remaining := h.waiters[key][:0]
	for _, c := range h.waiters[key] {
		if c != ch {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(h.waiters, key)
	} else {
		h.waiters[key] = remaining
	}
	var delivered json.RawMessage
	select {
	case payload, ok := <-ch:
		if ok {
			delivered = payload
		}
	default:
	}
	h.mu.Unlock()

	if delivered == nil {
		return nil
	}
	return h.events.PutEvent(context.WithoutCancel(ctx), key, delivered)
}
