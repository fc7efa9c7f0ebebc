package eventbus

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueClosed   = errors.New("queue closed")
	ErrReceiverTaken = errors.New("queue receiver already taken")
)

// Queue is an unbounded multi-producer / single-consumer FIFO.
//
// Push never blocks. Exactly one Receiver can be taken from a Queue; it pops
// items in the order they were pushed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	taken  bool

	// signal has capacity 1 and carries "items may be available".
	signal chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It fails only after Close.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops intake. Items already queued can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TakeReceiver hands out the single consumer end of the queue.
func (q *Queue[T]) TakeReceiver() (*Receiver[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.taken {
		return nil, ErrReceiverTaken
	}
	q.taken = true
	return &Receiver[T]{q: q}, nil
}

// Receiver is the consumer end of a Queue. It is not safe for concurrent use.
type Receiver[T any] struct {
	q *Queue[T]
}

// Recv blocks until an item is available, the queue is closed and drained
// (ErrQueueClosed) or ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		if v, ok, closed := r.pop(); ok {
			return v, nil
		} else if closed {
			return zero, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.q.signal:
		}
	}
}

// TryRecv pops one item without blocking.
func (r *Receiver[T]) TryRecv() (T, bool) {
	v, ok, _ := r.pop()
	return v, ok
}

func (r *Receiver[T]) pop() (v T, ok bool, closed bool) {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false, q.closed
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go once drained.
		q.items = nil
	}
	return v, true, q.closed
}
