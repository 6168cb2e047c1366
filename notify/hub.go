package notify

import (
	"sync"
	"sync/atomic"

	"github.com/pgpulse/pgpulse/wire"
)

// defaultEventBufferSize is the buffer size for change event channels.
// Sized to handle typical burst rates while keeping memory low.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 16

// Event is one resolved change notification: a registered condition matched
// rows touched by a statement on a table. Err is set instead of Condition
// and Hash when the generated procedure could no longer evaluate the table's
// conditions, usually after schema drift.
type Event struct {
	Table     string
	Op        wire.Op
	Condition string
	Hash      string
	Err       string
}

// Filter selects which events a subscriber receives. Empty slices match
// everything.
type Filter struct {
	Tables []string
	Hashes []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

// matches checks if the event matches this subscription's filter.
func (s *subscription) matches(ev Event) bool {
	if len(s.filter.Tables) > 0 && !contains(s.filter.Tables, ev.Table) {
		return false
	}
	// Error events carry no condition hash; they reach every subscriber on
	// the table so consumers learn their registration broke.
	if ev.Err == "" && len(s.filter.Hashes) > 0 && !contains(s.filter.Hashes, ev.Hash) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe fan-out point for resolved change events. The relay
// publishes into it; subscriptions, sync sessions and sinks subscribe.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new change event hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends an event to all matching subscribers (non-blocking).
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the event rate,
// events will be dropped silently by Publish(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
