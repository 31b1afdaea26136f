// Package eventring provides a bounded, drop-oldest event queue used to hand
// device protocol messages from the hub's relay to the terminal's consumer.
// Producers never block: when the queue is full the oldest event is discarded,
// so a slow (or absent) monitor cannot stall the connection.
package eventring

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("eventring: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// Send inserts an event, discarding the oldest one if the buffer is full.
// Reports whether an older event was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		return false
	default:
	}
	dropped := false
	select {
	case <-r.ch:
		r.dropped.Add(1)
		dropped = true
	default:
	}
	r.ch <- v
	return dropped
}

// C returns the receive side. Consumers range over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Receive blocks until an event is available or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	return
}

// Len returns the number of buffered events.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Dropped returns how many events were discarded to make room.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Close closes the ring. Sending after Close panics.
func (r *Ring[T]) Close() { close(r.ch) }
