package notification

import (
	"context"
	"sync"
)

// Hub delivers events to live subscribers of a user, such as open console
// connections. Slow subscribers miss events rather than block senders.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan *Event]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[chan *Event]struct{}), buffer: buffer}
}

func (h *Hub) Type() string { return "hub" }

// Subscribe registers for events of userID. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan *Event, func()) {
	ch := make(chan *Event, h.buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan *Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Send forwards ev to the subscribers of ev.UserID without blocking.
func (h *Hub) Send(_ context.Context, ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}
