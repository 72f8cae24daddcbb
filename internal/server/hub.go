package server

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/speakstream/internal/speech"
)

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

// Hub fans orchestrator events out to WebSocket subscribers. Its Observe
// method is registered with [speech.WithObserver].
type Hub struct {
	mu   sync.Mutex
	subs map[chan speech.Event]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan speech.Event]struct{})}
}

// Observe delivers ev to every subscriber without blocking.
func (h *Hub) Observe(ev speech.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("server: event subscriber lagging, dropping event", "session", ev.SessionID, "type", ev.Type)
		}
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan speech.Event, func()) {
	ch := make(chan speech.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
