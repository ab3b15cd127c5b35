// Package signal is the signaling transport: one websocket connection to the
// signaling server, and a bus that fans decoded events out to the components
// that subscribed to them.
package signal

import (
	"sync"

	"github.com/petervdpas/duocall/internal/proto"
)

const subscriberBuffer = 64

type subscription struct {
	events map[string]struct{}
	ch     chan proto.Event
	done   chan struct{}
}

func (s *subscription) wants(name string) bool {
	if len(s.events) == 0 {
		return true
	}
	_, ok := s.events[name]
	return ok
}

// Bus delivers events to subscribers in publish order. Delivery never drops:
// Publish waits for each matching subscriber until it reads, cancels, or the
// bus closes.
type Bus struct {
	pubMu sync.Mutex

	mu   sync.Mutex
	subs map[*subscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*subscription]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe returns a channel receiving the named events (all events when no
// name is given) and a cancel func that ends the subscription.
func (b *Bus) Subscribe(events ...string) (<-chan proto.Event, func()) {
	s := &subscription{
		events: make(map[string]struct{}, len(events)),
		ch:     make(chan proto.Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	for _, e := range events {
		s.events[e] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		})
	}
}

// Publish delivers ev to every subscriber that asked for its name.
func (b *Bus) Publish(ev proto.Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.wants(ev.Name()) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-b.done:
			return
		}
	}
}

// Done is closed once the bus is closed.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Close releases any blocked Publish. Subscriptions stay valid but receive
// nothing further.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
