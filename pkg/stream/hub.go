// Package stream fans signer lifecycle events out to live subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"
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

// Hub delivers events to subscribers without blocking the publisher and
// keeps the most recent events so late subscribers can catch up.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	history []Event
	keep    int
}

// NewHub keeps the last keep events; keep <= 0 means 32.
func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = 32
	}
	return &Hub{subs: map[chan Event]struct{}{}, keep: keep}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	h.history = append(h.history, evt)
	if len(h.history) > h.keep {
		h.history = append([]Event(nil), h.history[len(h.history)-h.keep:]...)
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Recent returns up to the last n events, oldest first.
func (h *Hub) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}
