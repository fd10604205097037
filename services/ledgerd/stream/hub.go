// Package stream fans ledger events out to live subscribers.
package stream

import (
	"log/slog"
	"sync"

	"shardledger/core/events"
	"shardledger/core/types"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type payloader interface {
	Event() *types.Event
}

type subscriber struct {
	ch     chan types.Event
	filter map[string]struct{}
	drops  uint64
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

// Hub is an events.Emitter that copies every event carrying a payload to
// its subscribers. Emit never blocks; a subscriber whose queue is full
// misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: logger.With("component", "stream"),
	}
}

func (h *Hub) Emit(evt events.Event) {
	p, ok := evt.(payloader)
	if !ok {
		return
	}
	payload := p.Event()
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !sub.wants(payload.Type) {
			continue
		}
		select {
		case sub.ch <- *payload:
		default:
			sub.drops++
			h.logger.Debug("subscriber lagging, event dropped", "subscriber", id, "type", payload.Type, "drops", sub.drops)
		}
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// of them when none are named. The returned cancel func closes the channel.
func (h *Hub) Subscribe(eventTypes ...string) (<-chan types.Event, func()) {
	sub := &subscriber{ch: make(chan types.Event, h.buffer)}
	if len(eventTypes) > 0 {
		sub.filter = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
