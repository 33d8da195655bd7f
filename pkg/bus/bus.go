// Package bus provides the channel-backed event bus that feeds the bridge
// hub. Connection goroutines publish sequentially, so a single consumer
// observes each sender's events in send order.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

type Bus[T any] struct {
	events chan T
	done   chan struct{}
	closed atomic.Bool
}

func New[T any](buffer int) *Bus[T] {
	return &Bus[T]{
		events: make(chan T, buffer),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event, blocking until there is room, the bus closes,
// or the context is cancelled.
func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume dequeues the next event. The second return is false once the bus
// is closed or the context is cancelled.
func (b *Bus[T]) Consume(ctx context.Context) (T, bool) {
	var zero T
	select {
	case ev, ok := <-b.events:
		return ev, ok
	case <-b.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

func (b *Bus[T]) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
