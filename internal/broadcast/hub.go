// Package broadcast delivers "state changed" signals to every subscriber of a
// topic. Topics are identity keys. A signal carries no state, only the origin
// of the sender so a subscriber can skip its own echo.
package broadcast

import "sync"

type subscriber struct {
	origin string
	fn     func()
}

// Hub is an in-process pub/sub keyed by topic.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]subscriber
	next uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]subscriber)}
}

// Subscribe registers fn for topic. Signals sent with the same non-empty
// origin are not delivered to fn. The returned func removes it and is safe to call twice.
func (h *Hub) Subscribe(topic, origin string, fn func()) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]subscriber)
	}
	h.subs[topic][id] = subscriber{origin: origin, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
		})
	}
}

// Notify calls every subscriber of topic except those registered under origin.
// An empty origin reaches everyone. Subscribers must not block.
func (h *Hub) Notify(topic, origin string) {
	h.mu.RLock()
	fns := make([]func(), 0, len(h.subs[topic]))
	for _, s := range h.subs[topic] {
		if origin != "" && s.origin == origin {
			continue
		}
		fns = append(fns, s.fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
