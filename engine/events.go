package engine

import (
	"sync"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventStatusChanged     EventType = "status-changed"
	EventProgress          EventType = "progress"
	EventAvailabilityFound EventType = "availability-found"
	EventBookingResult     EventType = "booking-result"
	EventRunEnded          EventType = "run-ended"
)

// Event is one item on the run's event stream.
type Event struct {
	Type    EventType      `json:"type"`
	RunID   string         `json:"run_id"`
	At      time.Time      `json:"at"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Router fans events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// monitor loop.
type Router struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// NewRouter creates an event router.
func NewRouter() *Router {
	return &Router{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of future events and a cancel function. The
// channel is closed on cancel.
func (r *Router) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	ch := make(chan Event, 64)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// Publish delivers e to every subscriber, dropping for slow ones.
func (r *Router) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
