package webhook

import (
	"sync"
	"time"
)

// Event is one query lifecycle notification broadcast to websocket
// subscribers.
type Event struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Hub fans events out to connected websocket clients. Slow clients
// drop events rather than block the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish broadcasts one event without blocking.
func (h *Hub) Publish(name string, payload map[string]any) {
	ev := Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a buffered delivery channel.
func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}
