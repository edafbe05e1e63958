// Package hub fans events out to push and pull subscribers.
//
// Publish is synchronous and never blocks on a subscriber:
//   - the event is appended to a bounded replay buffer (oldest evicted first)
//   - every pull queue receives it (a full queue overwrites its oldest entry)
//   - every push channel receives it, or the subscriber is dropped when its channel is full
//
// All three steps, as well as subscription setup, run under one lock, so a new
// subscriber never observes a gap or a duplicate between its initial view and
// the live stream.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/ringchan"
)

// ErrClosed is returned once a subscription or the hub itself has been closed
var ErrClosed = errors.New("hub: closed")

// SnapshotFunc builds the initial event handed to push subscribers.
// It is called with the hub lock held and must not call back into the hub.
type SnapshotFunc func() event.Event

// Options tunes buffer sizes
type Options struct {
	ReplaySize int    `default:"100"`
	PushBuffer int    `default:"256"`
	PullBuffer uint32 `default:"1024"`
	InboxSize  int    `default:"1024"`
}

// Hub is safe for concurrent use
type Hub struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	replay   replayBuffer
	push     map[uint64]*PushSubscription
	pull     map[uint64]*PullSubscription
	nextID   uint64
	snapshot SnapshotFunc
	closed   bool

	inbox    *ringchan.RingChannel[event.Event]
	stop     chan struct{}
	stopOnce sync.Once
	done     <-chan struct{}
}

// New creates a hub and starts its dispatch loop. Zero-valued options take defaults.
func New(opts *Options, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	// a fresh pull subscriber must be able to hold the whole replay
	if int(o.PullBuffer) < o.ReplaySize {
		o.PullBuffer = uint32(o.ReplaySize)
	}

	h := &Hub{
		opts:   o,
		logger: logger,
		replay: newReplayBuffer(o.ReplaySize),
		push:   make(map[uint64]*PushSubscription),
		pull:   make(map[uint64]*PullSubscription),
		inbox:  ringchan.New[event.Event](o.InboxSize),
		stop:   make(chan struct{}),
	}
	h.done = groutine.Go(context.Background(), "hub-dispatch", h.dispatch)
	return h
}

// SetSnapshotSource installs the function used to build the push snapshot
func (h *Hub) SetSnapshotSource(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Publish delivers ev to the replay buffer and every live subscriber
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.replay.add(ev)

	for _, s := range h.pull {
		s.enqueue(ev)
	}

	for id, s := range h.push {
		select {
		case s.ch <- ev:
		default:
			delete(h.push, id)
			close(s.ch)
			h.logger.WithField("subscriber", id).Warn("Push subscriber is not keeping up, dropped")
		}
	}
}

// Emit hands ev to the dispatch loop without waiting. When the inbox is full the
// oldest pending event is discarded.
func (h *Hub) Emit(ev event.Event) {
	if h.inbox.ForceSend(ev) {
		_, dropped := h.inbox.Counters()
		h.logger.WithFields(logrus.Fields{
			"type":          ev.Type,
			"dropped_total": dropped,
		}).Debug("Hub inbox full, dropped oldest pending event")
	}
}

func (h *Hub) dispatch(_ context.Context) {
	for {
		select {
		case ev := <-h.inbox.C():
			h.Publish(ev)
		case <-h.stop:
			for {
				ev, ok := h.inbox.TryReceive()
				if !ok {
					return
				}
				h.Publish(ev)
			}
		}
	}
}

// SubscribePush registers a push subscriber. The snapshot, if a source is set,
// is the first event on the returned channel.
func (h *Hub) SubscribePush() (*PushSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	s := &PushSubscription{
		id:  h.nextID,
		ch:  make(chan event.Event, h.opts.PushBuffer),
		hub: h,
	}
	if h.snapshot != nil {
		s.ch <- h.snapshot()
	}
	h.push[s.id] = s
	return s, nil
}

// SubscribePull registers a pull subscriber primed with the current replay buffer
func (h *Hub) SubscribePull() (*PullSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	s := &PullSubscription{
		id:     h.nextID,
		queue:  mpmc.NewOverlappedRingBuffer[event.Event](h.opts.PullBuffer),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
		hub:    h,
	}
	for _, ev := range h.replay.items() {
		s.enqueue(ev)
	}
	h.pull[s.id] = s
	return s, nil
}

// Replay returns a copy of the replay buffer, oldest first
func (h *Hub) Replay() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replay.items()
}

// Stats reports the current subscriber counts
func (h *Hub) Stats() (push, pull int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.push), len(h.pull)
}

// Close drains pending emitted events, closes every subscription and stops the dispatch loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.push {
		delete(h.push, id)
		close(s.ch)
	}
	for id, s := range h.pull {
		delete(h.pull, id)
		close(s.closed)
	}
}

func (h *Hub) removePush(s *PushSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.push[s.id]; ok && cur == s {
		delete(h.push, s.id)
		close(s.ch)
	}
}

func (h *Hub) removePull(s *PullSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.pull[s.id]; ok && cur == s {
		delete(h.pull, s.id)
		close(s.closed)
	}
}
