// Package enrich runs a long-lived diagnostic process (bluetoothctl by default)
// alongside the scan and folds the RSSI readings and names it prints into the
// registry. Platform scanning often misses names that only arrive in scan
// responses; the diagnostic tool sees them.
package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/registry"
)

// ErrProcessExited is returned when the diagnostic process ends on its own
var ErrProcessExited = errors.New("diagnostic process exited")

// Process is a running diagnostic process. Close terminates it.
type Process interface {
	io.ReadWriter
	Close() error
}

// Launcher starts the diagnostic command
type Launcher func(ctx context.Context, command string) (Process, error)

// Publisher receives advertisement events
type Publisher interface {
	Publish(ev event.Event)
}

// Options configures the monitor
type Options struct {
	Command          string        `default:"bluetoothctl"`
	KeepScanInterval time.Duration `default:"10s"`
	ListInterval     time.Duration `default:"15s"`
	IdlePoll         time.Duration `default:"100ms"`
	RestartDelay     time.Duration `default:"5s"`
	FilterMinRSSI    *int
	BufferSize       int `default:"65536"`
	MaxLineLength    int `default:"4096"`
}

var (
	startupDirectives  = []string{"power on", "agent on", "scan on", "devices"}
	shutdownDirectives = []string{"scan off", "quit"}
)

// Monitor supervises the diagnostic process between Start and Stop
type Monitor struct {
	launcher  Launcher
	registry  *registry.Registry
	publisher Publisher
	opts      Options
	minRSSI   int
	logger    *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}

	// owned by the run goroutine
	nameByAddress map[string]string
	rssiByAddress map[string]int
}

// New creates a stopped monitor. Zero-valued options take defaults.
func New(launcher Launcher, reg *registry.Registry, pub Publisher, opts *Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Monitor{
		launcher:      launcher,
		registry:      reg,
		publisher:     pub,
		opts:          o,
		minRSSI:       device.MinRSSI(o.FilterMinRSSI),
		logger:        logger,
		nameByAddress: make(map[string]string),
		rssiByAddress: make(map[string]int),
	}
}

// Start launches the supervision loop. A second Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = groutine.Go(runCtx, "enrich-monitor", m.run)
}

// Stop terminates the diagnostic process and waits for the loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		m.logger.WithFields(logrus.Fields{
			"goroutine": groutine.GetName(ctx),
			"command":   m.opts.Command,
			"error":     err,
			"delay":     m.opts.RestartDelay,
		}).Warn("Diagnostic process stopped, relaunching")

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.RestartDelay):
		}
	}
}

// session runs one process lifetime. Returns nil when ctx is cancelled.
func (m *Monitor) session(ctx context.Context) error {
	proc, err := m.launcher(ctx, m.opts.Command)
	if err != nil {
		return fmt.Errorf("failed to launch %s: %w", m.opts.Command, err)
	}
	m.logger.WithField("command", m.opts.Command).Debug("Diagnostic process started")

	ring := ringbuffer.New(m.opts.BufferSize)
	var readErr error
	readerDone := groutine.Go(ctx, "enrich-reader", func(context.Context) {
		readErr = m.pump(proc, ring)
	})

	defer func() {
		m.send(proc, shutdownDirectives...)
		if cerr := proc.Close(); cerr != nil {
			m.logger.WithError(cerr).Debug("Failed to close diagnostic process")
		}
		<-readerDone
	}()

	m.send(proc, startupDirectives...)

	keepScan := time.NewTicker(m.opts.KeepScanInterval)
	defer keepScan.Stop()
	list := time.NewTicker(m.opts.ListInterval)
	defer list.Stop()
	idle := time.NewTicker(m.opts.IdlePoll)
	defer idle.Stop()

	var pending []byte
	tmp := make([]byte, 4096)

	for {
		pending = m.drain(ring, tmp, pending)

		select {
		case <-ctx.Done():
			return nil
		case <-readerDone:
			pending = m.drain(ring, tmp, pending)
			if len(pending) > 0 {
				m.handleLine(string(pending))
			}
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("%w: %w", ErrProcessExited, readErr)
			}
			return ErrProcessExited
		case <-keepScan.C:
			m.send(proc, "scan on")
		case <-list.C:
			m.send(proc, "devices")
		case <-idle.C:
		}
	}
}

// pump copies process output into the ring until the process stops producing it
func (m *Monitor) pump(proc Process, ring *ringbuffer.RingBuffer) error {
	buf := make([]byte, 4096)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			if written, werr := ring.Write(buf[:n]); werr != nil && errors.Is(werr, ringbuffer.ErrIsFull) {
				m.logger.WithField("dropped_bytes", n-written).Debug("Diagnostic output buffer full")
			}
		}
		if err != nil {
			return err
		}
	}
}

// drain consumes everything buffered and handles each complete line
func (m *Monitor) drain(ring *ringbuffer.RingBuffer, tmp, pending []byte) []byte {
	for {
		n, err := ring.TryRead(tmp)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return pending
		}
		pending = append(pending, tmp[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			m.handleLine(string(pending[:i]))
			pending = pending[i+1:]
		}

		// a runaway line without a newline is discarded
		if len(pending) > m.opts.MaxLineLength {
			pending = pending[:0]
		}
	}
}

func (m *Monitor) send(proc Process, directives ...string) {
	for _, d := range directives {
		if _, err := io.WriteString(proc, d+"\n"); err != nil {
			m.logger.WithFields(logrus.Fields{
				"directive": d,
				"error":     err,
			}).Debug("Failed to send directive")
			return
		}
	}
}

func (m *Monitor) handleLine(raw string) {
	obs, ok := parseLine(cleanLine(raw))
	if !ok {
		return
	}

	switch obs.kind {
	case observedRSSI:
		m.rssiByAddress[obs.address] = obs.rssi
		if obs.rssi < m.minRSSI {
			return
		}
		rssi := obs.rssi
		m.record(obs.address, nil, &rssi)

	case observedName:
		if isPlaceholderName(obs.name, obs.address) {
			return
		}
		if rssi, ok := m.rssiByAddress[obs.address]; ok && rssi < m.minRSSI {
			return
		}
		m.nameByAddress[obs.address] = obs.name
		name := obs.name
		m.record(obs.address, &name, nil)
	}
}

// record upserts the registry keyed by address and announces the merged view
func (m *Monitor) record(address string, name *string, rssi *int) {
	now := event.Now()
	addr := address
	rec := m.registry.Upsert(address, registry.Update{
		Address:   &addr,
		LocalName: name,
		LastRSSI:  rssi,
		LastSeen:  &now,
	})

	if rssi == nil {
		if cached, ok := m.rssiByAddress[address]; ok {
			rssi = &cached
		}
	}

	m.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    name != nil,
		"rssi":    rssi != nil,
	}).Trace("Enriched device")

	m.publisher.Publish(event.NewAdvertisement(event.Advertisement{
		ID:               address,
		Address:          address,
		RSSI:             rssi,
		LocalName:        rec.LocalName,
		ServiceUUIDs:     rec.ServiceUUIDs,
		ManufacturerData: rec.ManufacturerDataHex,
	}))
}
