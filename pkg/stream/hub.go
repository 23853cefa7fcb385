// Package stream fans gateway events out to operators watching the admin
// websocket.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway.
const (
	EventReady        = "ready"
	EventBlockApplied = "block.applied"
	EventGateDenied   = "gate.denied"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(evt Event)
}

// Subscription receives events on C until it is passed to Unsubscribe.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[string]bool
}

func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never wait.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are named.
func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch}
	for _, t := range types {
		if t == "" {
			continue
		}
		if s.types == nil {
			s.types = map[string]bool{}
		}
		s.types[t] = true
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if exists {
		close(s.ch)
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(evt.Type) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
