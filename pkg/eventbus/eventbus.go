// Package eventbus provides a broadcast channel with bounded replay.
// Late subscribers receive the most recent history before live events.
package eventbus

import (
	"sync"
)

// DefaultReplay is the number of events retained for late subscribers.
const DefaultReplay = 512

// Bus fans events out to any number of subscribers. Publish never blocks:
// a subscriber whose buffer is full misses that event.
type Bus[T any] struct {
	mu          sync.Mutex
	replay      []T
	replayDepth int
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool
}

// New creates a bus that replays up to replayDepth recent events to new
// subscribers. A non-positive depth falls back to DefaultReplay.
func New[T any](replayDepth int) *Bus[T] {
	if replayDepth <= 0 {
		replayDepth = DefaultReplay
	}
	return &Bus[T]{
		replayDepth: replayDepth,
		subscribers: make(map[uint64]chan T),
	}
}

// Publish delivers an event to all current subscribers and records it for
// replay. Publishing on a closed bus is a no-op.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.replay = append(b.replay, event)
	if len(b.replay) > b.replayDepth {
		b.replay = b.replay[len(b.replay)-b.replayDepth:]
	}

	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. Recent history is queued onto the
// returned channel first, so the buffer must be at least the replay depth;
// smaller buffers are grown to fit. The cancel func unregisters the
// subscriber and closes its channel; it is safe to call more than once.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	b.mu.Lock()

	if buffer < b.replayDepth {
		buffer = b.replayDepth
	}
	ch := make(chan T, buffer)

	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}

	for _, event := range b.replay {
		ch <- event
	}

	b.nextID++
	id := b.nextID
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}

	return ch, cancel
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub)
	}
}

// Len reports the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
