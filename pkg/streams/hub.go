package streams

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is an in-process notification fanned out to hub subscribers. It is
// advisory: durable traffic goes over the Redis streams, the hub only feeds
// local listeners such as metrics and admin introspection.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an Event with the payload JSON-encoded in place.
func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// maxOverflows is how many consecutive dropped events a subscriber survives
// before the hub reaps it.
const maxOverflows = 64

type subscriber struct {
	ch        chan Event
	overflows int
}

// Hub is a non-blocking fan-out bus. Slow subscribers lose events instead of
// stalling publishers, and persistently slow ones are unsubscribed.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]*subscriber
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan Event]*subscriber{}}
}

// Subscribe registers a listener with the given buffer size.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscriber{ch: ch}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the listener channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, sub := range h.subs {
		select {
		case ch <- evt:
			sub.overflows = 0
		default:
			sub.overflows++
			if sub.overflows >= maxOverflows {
				delete(h.subs, ch)
				close(ch)
			}
		}
	}
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
