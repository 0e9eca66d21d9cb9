// Package streamq provides a push-based FIFO with explicit end-of-stream,
// used to feed streaming prompt input into a provider session.
package streamq

import (
	"context"
	"sync"

	"github.com/sebastianm/agentmux/internal/session"
)

// Queue is a many-push, single-consumer FIFO. Producers call Push; the one
// consumer awaits items via Next. End signals that no further items will
// arrive and wakes every waiting consumer with end-of-stream.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ended  bool
	signal chan struct{} // non-nil while a consumer is waiting
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an item. Pushing after End is a programming error and fails
// with queue_ended.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return session.Errf(session.KindQueueEnded, "push after end")
	}
	q.items = append(q.items, item)
	q.wakeLocked()
	return nil
}

// End marks the queue closed. Idempotent.
func (q *Queue[T]) End() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ended = true
	q.wakeLocked()
}

// Ended reports whether End has been called.
func (q *Queue[T]) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

// Next blocks until an item is available, the queue ends, or ctx is done.
// ok is false when the queue has ended and drained.
func (q *Queue[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true, nil
		}
		if q.ended {
			q.mu.Unlock()
			return item, false, nil
		}
		if q.signal == nil {
			q.signal = make(chan struct{})
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// wakeLocked releases any waiting consumer. Caller holds q.mu.
func (q *Queue[T]) wakeLocked() {
	if q.signal != nil {
		close(q.signal)
		q.signal = nil
	}
}
