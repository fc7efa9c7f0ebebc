package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus is an in-memory fanout of T to every live subscriber.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels.
//   - A subscriber whose buffer is full misses the message (counted in Dropped).
//
// A subscriber that was not subscribed at publish time never sees the message;
// receivers must not rely on history.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64

	dropped atomic.Uint64
}

// New returns an empty bus. It owns no goroutines.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

// Publish delivers msg to every current subscriber and reports how many got it.
func (b *Bus[T]) Publish(msg T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribe registers a new receiver. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock can never race with a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped because the
// subscriber's buffer was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
