// Package bus is the engine-owned publish/subscribe channel that pushes
// StatusRecord and AggregateCounts changes to UI surfaces. It replaces the
// ambient global event broadcast the views used to share.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"soldout/internal/domain"
)

const defaultBuffer = 64

// Subscription is one listener's handle. Close it when the surface goes away.
type Subscription struct {
	ID string
	C  <-chan domain.Update

	bus *Bus
	ch  chan domain.Update
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ID)
}

// Bus fans updates out to all current subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a listener. buffer <= 0 picks a default; a subscriber
// that stops draining loses updates rather than blocking the engine.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Update, buffer)
	sub := &Subscription{
		ID:  uuid.NewString(),
		C:   ch,
		bus: b,
		ch:  ch,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers u to every subscriber without blocking; full buffers drop.
func (b *Bus) Publish(u domain.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- u:
		default:
		}
	}
}

// Subscribers reports the current listener count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
