package events

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 16

// Hub fans events out to in-process subscribers of a call.
// Slow subscribers lose events rather than block publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
	log    *slog.Logger
}

type subscription struct {
	ch   chan Event
	once sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: map[string]map[*subscription]struct{}{},
		log:  log.With("component", "events_hub"),
	}
}

// Subscribe returns a channel of events for callID and a cancel func that
// releases the subscription. The channel is closed on cancel or hub Close.
func (h *Hub) Subscribe(callID string) (<-chan Event, func()) {
	s := &subscription{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	set, ok := h.subs[callID]
	if !ok {
		set = map[*subscription]struct{}{}
		h.subs[callID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[callID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, callID)
			}
		}
		h.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

// Publish delivers e to local subscribers only. Use a Broker to reach other instances.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[e.CallID] {
		select {
		case s.ch <- e:
		default:
			h.log.Warn("subscriber buffer full, dropping event", "call_id", e.CallID, "type", e.Type)
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions for a call.
func (h *Hub) Subscribers(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[callID])
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(h.subs, id)
	}
}
