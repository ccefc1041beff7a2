// Package event delivers store notifications to interested subscribers.
//
// The bus is deliberately small: subscribers register a buffered channel,
// publishers never block, and a subscriber that falls behind loses events
// rather than stalling the store. Consumers that need lossless state read
// snapshots; events are wake-up hints, not a log.
package event

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/reposync/internal/gitstore"
)

// DefaultBuffer is the per-subscription channel depth.
const DefaultBuffer = 64

// Subscription is a handle to one registered subscriber.
type Subscription struct {
	id uuid.UUID
	ch chan gitstore.Event
}

// Events returns the subscription's delivery channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan gitstore.Event {
	return s.ch
}

// Bus fans store events out to subscribers. The zero value is not usable;
// create one with NewBus. Bus implements gitstore.EventPublisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	log    *slog.Logger

	dropped uint64
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[uuid.UUID]*Subscription),
		log:  log,
	}
}

// Subscribe registers a new subscriber with the default buffer depth.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered registers a new subscriber with an explicit buffer
// depth.
func (b *Bus) SubscribeBuffered(depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	sub := &Subscription{
		id: uuid.New(),
		ch: make(chan gitstore.Event, depth),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber without blocking. A full
// subscriber drops the event.
func (b *Bus) Publish(ev gitstore.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			b.log.Debug("event dropped for slow subscriber", "kind", ev.Kind, "subscription", sub.id)
		}
	}
}

// Dropped reports how many events have been dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
