package testutils

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
)

// EventRecorder is a publisher that keeps every event it receives
type EventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *EventRecorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Emit records like Publish
func (r *EventRecorder) Emit(ev event.Event) {
	r.Publish(ev)
}

// Events returns a copy of everything recorded so far
func (r *EventRecorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// OfType returns the recorded events of type t, in order
func (r *EventRecorder) OfType(t event.Type) []event.Event {
	var out []event.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the type tags of everything recorded, in order
func (r *EventRecorder) Types() []event.Type {
	events := r.Events()
	out := make([]event.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// FakeDiscoverer replays scripted discovery windows. Once the script runs out,
// every window stays quiet until it elapses or ctx is cancelled.
type FakeDiscoverer struct {
	mu       sync.Mutex
	batches  [][]device.Sighting
	errs     []error
	calls    int
	releases int
}

// AddWindow appends one window result to the script
func (d *FakeDiscoverer) AddWindow(sightings []device.Sighting, err error) *FakeDiscoverer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, sightings)
	d.errs = append(d.errs, err)
	return d
}

func (d *FakeDiscoverer) Discover(ctx context.Context, window time.Duration) ([]device.Sighting, error) {
	d.mu.Lock()
	d.calls++
	if len(d.batches) > 0 {
		batch, err := d.batches[0], d.errs[0]
		d.batches, d.errs = d.batches[1:], d.errs[1:]
		d.mu.Unlock()
		return batch, err
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(window):
		return nil, nil
	}
}

func (d *FakeDiscoverer) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	return nil
}

// Calls returns how many windows were requested
func (d *FakeDiscoverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Releases returns how many times the radio was released
func (d *FakeDiscoverer) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

// FakeConnector hands out FakeSessions by address
type FakeConnector struct {
	mu       sync.Mutex
	sessions map[string]*FakeSession
	failures []error
	attempts map[string]int
	// Block, when set, holds every dial until it is closed or ctx ends
	Block chan struct{}
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{sessions: map[string]*FakeSession{}, attempts: map[string]int{}}
}

// AddSession registers the session returned for address
func (c *FakeConnector) AddSession(address string, s *FakeSession) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[address] = s
	return c
}

// FailNext makes the next len(errs) dials fail in order
func (c *FakeConnector) FailNext(errs ...error) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
	return c
}

func (c *FakeConnector) Connect(ctx context.Context, address string) (device.Session, error) {
	c.mu.Lock()
	c.attempts[address]++
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return nil, err
	}
	s, ok := c.sessions[address]
	if !ok {
		return nil, errors.New("peripheral not reachable")
	}
	return s, nil
}

// Attempts returns how many dials were made to address
func (c *FakeConnector) Attempts(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[address]
}

// FakeSession is a scripted GATT session
type FakeSession struct {
	mu            sync.Mutex
	services      []device.Service
	servicesErr   error
	subscribeErrs map[string]error
	handlers      map[string]func([]byte)
	disconnects   int
	dropOnce      sync.Once
	disconnected  chan struct{}
}

func NewFakeSession(services ...device.Service) *FakeSession {
	return &FakeSession{
		services:      services,
		subscribeErrs: map[string]error{},
		handlers:      map[string]func([]byte){},
		disconnected:  make(chan struct{}),
	}
}

// FailServices makes service discovery fail with err
func (s *FakeSession) FailServices(err error) *FakeSession {
	s.servicesErr = err
	return s
}

// FailSubscribe makes subscribing to charUUID fail with err
func (s *FakeSession) FailSubscribe(charUUID string, err error) *FakeSession {
	s.subscribeErrs[charUUID] = err
	return s
}

func (s *FakeSession) Services(context.Context) ([]device.Service, error) {
	if s.servicesErr != nil {
		return nil, s.servicesErr
	}
	return s.services, nil
}

func (s *FakeSession) Subscribe(_, charUUID string, handler func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.subscribeErrs[charUUID]; err != nil {
		return err
	}
	s.handlers[charUUID] = handler
	return nil
}

func (s *FakeSession) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.Drop()
	return nil
}

func (s *FakeSession) Disconnected() <-chan struct{} {
	return s.disconnected
}

// Drop simulates the peripheral going away
func (s *FakeSession) Drop() {
	s.dropOnce.Do(func() { close(s.disconnected) })
}

// Notify delivers payload to the handler subscribed on charUUID
func (s *FakeSession) Notify(charUUID string, payload []byte) bool {
	s.mu.Lock()
	h := s.handlers[charUUID]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Subscribed returns whether a handler is registered on charUUID
func (s *FakeSession) Subscribed(charUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[charUUID]
	return ok
}

// Disconnects returns how many times Disconnect was called
func (s *FakeSession) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// FakeProcess stands in for an interactive diagnostic tool. Output written with
// Print is what the reader sees; directives written by the monitor are recorded.
type FakeProcess struct {
	out *io.PipeReader
	in  *io.PipeWriter

	mu         sync.Mutex
	directives []string
	closed     bool
	closedCh   chan struct{}
	closeOnce  sync.Once
}

func NewFakeProcess() *FakeProcess {
	r, w := io.Pipe()
	return &FakeProcess{out: r, in: w, closedCh: make(chan struct{})}
}

func (p *FakeProcess) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *FakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			p.directives = append(p.directives, line)
		}
	}
	return len(b), nil
}

func (p *FakeProcess) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		_ = p.in.Close()
		_ = p.out.Close()
		close(p.closedCh)
	})
	return nil
}

// Print makes lines appear on the process output. It blocks until they are read.
func (p *FakeProcess) Print(lines ...string) error {
	_, err := io.WriteString(p.in, strings.Join(lines, "\n")+"\n")
	return err
}

// Exit ends the output stream as if the process quit on its own
func (p *FakeProcess) Exit() {
	_ = p.in.Close()
}

// Directives returns everything the monitor wrote, one entry per line
func (p *FakeProcess) Directives() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.directives...)
}

// Closed is closed once Close has been called
func (p *FakeProcess) Closed() <-chan struct{} {
	return p.closedCh
}
