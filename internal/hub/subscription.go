package hub

import (
	"context"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blescope/internal/event"
)

// PushSubscription receives events on a bounded channel. The channel is closed
// when the subscriber unsubscribes, falls behind, or the hub shuts down.
type PushSubscription struct {
	id  uint64
	ch  chan event.Event
	hub *Hub
}

// C returns the event channel
func (s *PushSubscription) C() <-chan event.Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *PushSubscription) Close() {
	s.hub.removePush(s)
}

// PullSubscription buffers events in an overlapped ring: when the reader falls
// behind, the oldest queued entries are overwritten.
type PullSubscription struct {
	id      uint64
	queue   mpmc.RichOverlappedRingBuffer[event.Event]
	signal  chan struct{}
	closed  chan struct{}
	dropped atomic.Uint64
	hub     *Hub
}

// enqueue is called with Hub.mu held
func (s *PullSubscription) enqueue(ev event.Event) {
	overwrites, err := s.queue.EnqueueM(ev)
	if err != nil {
		s.dropped.Add(1)
	} else if overwrites > 0 {
		s.dropped.Add(uint64(overwrites))
	}

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed or ctx is done.
func (s *PullSubscription) Next(ctx context.Context) (event.Event, error) {
	for {
		select {
		case <-s.closed:
			return event.Event{}, ErrClosed
		default:
		}

		if !s.queue.IsEmpty() {
			if ev, err := s.queue.Dequeue(); err == nil {
				return ev, nil
			}
		}

		select {
		case <-s.signal:
		case <-s.closed:
			return event.Event{}, ErrClosed
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		}
	}
}

// Dropped reports how many events were lost to overwrites
func (s *PullSubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *PullSubscription) Close() {
	s.hub.removePull(s)
}
