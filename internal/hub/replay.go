package hub

import "github.com/srg/blescope/internal/event"

// replayBuffer keeps the most recent events, evicting exactly the oldest on overflow.
// Callers hold Hub.mu.
type replayBuffer struct {
	buf   []event.Event
	start int
	size  int
}

func newReplayBuffer(capacity int) replayBuffer {
	return replayBuffer{buf: make([]event.Event, capacity)}
}

func (r *replayBuffer) add(ev event.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *replayBuffer) items() []event.Event {
	out := make([]event.Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
