// Package ringchan provides a bounded channel that overwrites its oldest entry
// instead of blocking the sender.
package ringchan

import "sync/atomic"

// RingChannel hands values from producers that must never wait (BLE stack
// callbacks) to a single consumer reading C().
type RingChannel[T any] struct {
	ch          chan T
	sent        atomic.Uint64
	overwritten atomic.Uint64
}

// New creates a RingChannel holding at most capacity values
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C exposes the receive side
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend enqueues v, evicting the oldest pending values until it fits.
// Returns true when at least one value was evicted.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	evicted := false
	for {
		select {
		case rc.ch <- v:
			rc.sent.Add(1)
			return evicted
		default:
		}

		// a concurrent consumer may empty the slot first; retry either way
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			evicted = true
		default:
		}
	}
}

// TryReceive returns the oldest pending value without blocking
func (rc *RingChannel[T]) TryReceive() (T, bool) {
	select {
	case v := <-rc.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len is the number of pending values
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Counters reports how many values were accepted and how many were evicted unread
func (rc *RingChannel[T]) Counters() (sent, overwritten uint64) {
	return rc.sent.Load(), rc.overwritten.Load()
}
