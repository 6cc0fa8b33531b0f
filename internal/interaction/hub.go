// internal/interaction/hub.go
package interaction

import (
	"sync"
	"sync/atomic"
)

// subscriptionBuffer bounds per-subscriber queues. Slow subscribers drop events rather
// than stalling the publisher, which runs on engine event goroutines. Drops are counted
// per subscription.
const subscriptionBuffer = 64

// Hub fans published events out to filtered subscribers. Engines own one hub per
// event kind per session and publish from their event listeners.
type Hub[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscription is a registered listener. It must be released with Unsubscribe.
type Subscription[T any] struct {
	hub   *Hub[T]
	id    uint64
	match func(T) bool
	ch    chan T
	once  sync.Once

	dropped atomic.Uint64
}

// Subscribe registers a listener immediately. A nil match accepts every event.
func (h *Hub[T]) Subscribe(match func(T) bool) *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription[T]{
		hub:   h,
		id:    h.nextID,
		match: match,
		ch:    make(chan T, subscriptionBuffer),
	}
	h.subs[s.id] = s
	return s
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub[T]) Publish(ev T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.match != nil && !s.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len reports the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber. Channels of dropped subscribers are closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[T])
	h.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the event channel. It is closed after Unsubscribe or hub Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped counts matching events discarded because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
