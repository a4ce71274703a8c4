// Package events fans settlement transitions out to independent consumers.
package events

import (
	"sync"
	"sync/atomic"

	"hypernode-facilitator/internal/models"
)

// Bus delivers every published event to each live subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted. Committed state is the source of truth, events are notifications.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.SettlementEvent
	nextID  int
	closed  bool
	dropped atomic.Uint64
	onDrop  func(models.SettlementEvent)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.SettlementEvent)}
}

// OnDrop registers a hook run for every dropped delivery.
func (b *Bus) OnDrop(fn func(models.SettlementEvent)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel of events and a function that removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan models.SettlementEvent, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan models.SettlementEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev models.SettlementEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(ev)
			}
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
