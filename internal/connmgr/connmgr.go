// Package connmgr owns client sessions to peripherals: connect, GATT discovery,
// notification subscriptions and teardown.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/registry"
)

// Status is the per-device connection state exposed in device listings
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Disconnect reasons carried by DisconnectedEvent
const (
	ReasonManual    = "manual"
	ReasonAutomatic = "automatic"
	ReasonShutdown  = "shutdown"
)

// Emitter is the hub side used by the manager. Publish is synchronous, Emit is
// fire-and-forget and safe from radio callbacks.
type Emitter interface {
	Publish(ev event.Event)
	Emit(ev event.Event)
}

// Options configures connection behavior
type Options struct {
	ConnectTimeout  time.Duration `default:"15s"`
	ServicesTimeout time.Duration `default:"10s"`
	RetryAttempts   int           `default:"3"`
	RetryDelay      time.Duration `default:"700ms"`
}

// connection occupies its device slot from the moment a connect is accepted
// until the first teardown wins the closed flag.
type connection struct {
	id      string
	address string
	cancel  context.CancelFunc
	stop    chan struct{}

	mu      sync.Mutex
	session device.Session
	details *event.ConnectionDetails
	closed  bool
}

func (c *connection) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details != nil && !c.closed
}

// slot is the permanent per-device entry of the session map. Keys are never
// removed from the hashmap; teardown clears conn instead.
type slot struct {
	mu        sync.Mutex
	conn      *connection
	status    Status
	hasStatus bool
}

func (s *slot) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// claim installs conn unless another connection already holds the slot
func (s *slot) claim(conn *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	s.conn = conn
	return true
}

// vacate clears the slot if conn still holds it
func (s *slot) vacate(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *slot) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.hasStatus = status, true
}

func (s *slot) clearStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasStatus = false
}

// Manager is safe for concurrent use
type Manager struct {
	connector device.Connector
	registry  *registry.Registry
	emitter   Emitter
	opts      Options
	logger    *logrus.Logger

	slots *hashmap.Map[string, *slot]
}

// New creates a manager with no sessions. Zero-valued options take defaults.
func New(connector device.Connector, reg *registry.Registry, emitter Emitter, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Manager{
		connector: connector,
		registry:  reg,
		emitter:   emitter,
		opts:      o,
		logger:    logger,
		slots:     hashmap.New[string, *slot](),
	}
}

// Connect opens a session to the device registered under id, subscribes to every
// notifying characteristic and returns the connection details.
func (m *Manager) Connect(ctx context.Context, id string) (event.ConnectionDetails, error) {
	m.emitter.Publish(event.NewConnect(id, event.ConnectStarting, ""))

	dev, ok := m.registry.Find(id)
	if !ok || dev.Address == "" {
		err := device.NewError(device.DeviceNotFound, id, nil)
		err.Msg = "device not found or not in range"
		m.fail(id, err, false)
		return event.ConnectionDetails{}, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn := &connection{id: id, address: dev.Address, cancel: cancel, stop: make(chan struct{})}
	if !m.slotFor(id).claim(conn) {
		err := device.NewError(device.AlreadyConnected, id, nil)
		err.Msg = "device already connected"
		m.fail(id, err, false)
		return event.ConnectionDetails{}, err
	}

	logger := m.logger.WithFields(logrus.Fields{"id": id, "address": dev.Address})
	logger.Info("Connecting...")

	session, err := m.dial(dialCtx, logger, dev.Address)
	if err != nil {
		m.abandon(conn)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("connection timeout (%s): %w", m.opts.ConnectTimeout, err)
		}
		cerr := device.NewError(device.ConnectionFailed, id, device.NormalizeError(err))
		m.fail(id, cerr, true)
		return event.ConnectionDetails{}, cerr
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		m.closeSession(logger, session)
		cerr := device.NewError(device.ConnectionFailed, id, nil)
		cerr.Msg = "disconnected while connecting"
		m.fail(id, cerr, false)
		return event.ConnectionDetails{}, cerr
	}
	conn.session = session
	conn.mu.Unlock()

	groutine.Go(context.Background(), "conn-watch-"+id, func(context.Context) {
		m.watch(conn, session)
	})

	services := m.discover(ctx, logger, session)
	subscribed := m.subscribe(logger, id, session, services)

	details := buildDetails(dev, services)

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		cerr := device.NewError(device.ConnectionFailed, id, nil)
		cerr.Msg = "disconnected during service discovery"
		m.fail(id, cerr, false)
		return event.ConnectionDetails{}, cerr
	}
	conn.details = &details
	conn.mu.Unlock()
	m.slotFor(id).clearStatus()

	logger.WithFields(logrus.Fields{
		"services":        len(details.Services),
		"characteristics": len(details.Characteristics),
		"subscribed":      subscribed,
	}).Info("Connected")

	m.emitter.Publish(event.NewConnected(details))
	m.emitter.Publish(event.NewConnect(id, event.ConnectSuccess, ""))
	return details.Clone(), nil
}

// dial connects with retries on the transient BlueZ abort
func (m *Manager) dial(ctx context.Context, logger *logrus.Entry, address string) (device.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.RetryAttempts; attempt++ {
		session, err := m.connector.Connect(ctx, address)
		if err == nil {
			return session, nil
		}
		lastErr = err

		if !device.IsTransientConnectError(err) || attempt == m.opts.RetryAttempts {
			break
		}
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Transient connect failure, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opts.RetryDelay):
		}
	}
	return nil, lastErr
}

// discover returns the GATT layout. Failures are logged and yield an empty layout.
func (m *Manager) discover(ctx context.Context, logger *logrus.Entry, session device.Session) []device.Service {
	svcCtx, cancel := context.WithTimeout(ctx, m.opts.ServicesTimeout)
	defer cancel()

	services, err := session.Services(svcCtx)
	if err != nil {
		logger.WithError(err).Warn("Service discovery failed, continuing with basic info")
		return nil
	}
	return services
}

func (m *Manager) subscribe(logger *logrus.Entry, id string, session device.Session, services []device.Service) int {
	subscribed := 0
	for _, svc := range services {
		for _, char := range svc.Characteristics {
			if !char.Properties.CanNotify() {
				continue
			}

			charUUID := char.UUID
			err := session.Subscribe(svc.UUID, charUUID, func(data []byte) {
				m.emitter.Emit(event.NewNotify(id, charUUID, data))
			})
			if err != nil {
				logger.WithError(device.NewError(device.SubscriptionFailed, id, err)).
					WithField("char_uuid", charUUID).
					Warn("Subscribe failed, skipping characteristic")
				continue
			}
			subscribed++
			logger.WithField("char_uuid", charUUID).Debug("Subscribed to notifications")
		}
	}
	return subscribed
}

// watch turns a dropped link into an automatic disconnect
func (m *Manager) watch(conn *connection, session device.Session) {
	select {
	case <-session.Disconnected():
		if m.release(conn, ReasonAutomatic) {
			m.logger.WithField("id", conn.id).Info("Device disconnected automatically")
		}
	case <-conn.stop:
	}
}

// Disconnect tears down the session for id. The session leaves the map
// unconditionally; closing it is best-effort.
func (m *Manager) Disconnect(id string) error {
	conn := m.lookup(id)
	if conn == nil || !m.release(conn, ReasonManual) {
		return device.NewError(device.NotConnected, id, nil)
	}
	m.logger.WithField("id", id).Info("Disconnected")
	return nil
}

// release removes conn from the map exactly once. Only the caller that wins
// the closed flag closes the session and announces the disconnect.
func (m *Manager) release(conn *connection, reason string) bool {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return false
	}
	conn.closed = true
	m.slotFor(conn.id).vacate(conn)
	session := conn.session
	conn.mu.Unlock()

	close(conn.stop)
	conn.cancel()

	if session != nil {
		m.closeSession(m.logger.WithField("id", conn.id), session)
	}

	m.slotFor(conn.id).setStatus(StatusDisconnected)
	m.emitter.Publish(event.NewDisconnected(conn.id, reason))
	return true
}

// abandon drops a connection that never produced a session
func (m *Manager) abandon(conn *connection) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	conn.closed = true
	m.slotFor(conn.id).vacate(conn)
	close(conn.stop)
}

// closeSession swallows teardown errors: the peripheral may already be gone
func (m *Manager) closeSession(logger *logrus.Entry, session device.Session) {
	if err := session.Disconnect(); err != nil {
		logger.WithError(err).Debug("Session teardown reported an error")
	}
}

func (m *Manager) fail(id string, err error, record bool) {
	m.logger.WithField("id", id).WithError(err).Error("Connect failed")
	if record {
		m.slotFor(id).setStatus(StatusError)
	}
	m.emitter.Publish(event.NewConnect(id, event.ConnectError, err.Error()))
}

// slotFor returns the permanent slot of id, creating it on first use.
// Only ids that resolved in the registry get a slot.
func (m *Manager) slotFor(id string) *slot {
	sl, _ := m.slots.GetOrInsert(id, &slot{})
	return sl
}

// lookup returns the live connection of id without creating a slot
func (m *Manager) lookup(id string) *connection {
	sl, ok := m.slots.Get(id)
	if !ok {
		return nil
	}
	return sl.current()
}

func (m *Manager) liveConnections() []*connection {
	var conns []*connection
	m.slots.Range(func(_ string, sl *slot) bool {
		if conn := sl.current(); conn != nil {
			conns = append(conns, conn)
		}
		return true
	})
	return conns
}

// IsConnected reports whether id has a fully established session
func (m *Manager) IsConnected(id string) bool {
	conn := m.lookup(id)
	return conn != nil && conn.ready()
}

// Status returns the connection status of id, if it ever had one
func (m *Manager) Status(id string) (Status, bool) {
	sl, ok := m.slots.Get(id)
	if !ok {
		return "", false
	}
	if conn := sl.current(); conn != nil {
		if conn.ready() {
			return StatusConnected, true
		}
		return StatusConnecting, true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.status, sl.hasStatus
}

// Details returns the details of an established session
func (m *Manager) Details(id string) (event.ConnectionDetails, bool) {
	conn := m.lookup(id)
	if conn == nil {
		return event.ConnectionDetails{}, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.details == nil || conn.closed {
		return event.ConnectionDetails{}, false
	}
	return conn.details.Clone(), true
}

// ConnectedIDs returns the ids of established sessions, sorted
func (m *Manager) ConnectedIDs() []string {
	ids := []string{}
	for _, conn := range m.liveConnections() {
		if conn.ready() {
			ids = append(ids, conn.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every session, including connects still in flight
func (m *Manager) Close() {
	conns := m.liveConnections()
	for _, conn := range conns {
		m.release(conn, ReasonShutdown)
	}
	if len(conns) > 0 {
		m.logger.WithField("device_count", len(conns)).Info("Closed all connections")
	}
}

func buildDetails(dev registry.Device, services []device.Service) event.ConnectionDetails {
	d := event.ConnectionDetails{
		ID:                  dev.ID,
		Address:             dev.Address,
		LocalName:           dev.LocalName,
		RSSI:                dev.LastRSSI,
		ServiceUUIDs:        dev.ServiceUUIDs,
		ManufacturerDataHex: dev.ManufacturerDataHex,
		ConnectedAt:         event.Now(),
		Services:            make([]event.ServiceInfo, 0, len(services)),
		Characteristics:     []event.CharacteristicInfo{},
	}
	for _, svc := range services {
		d.Services = append(d.Services, event.ServiceInfo{UUID: svc.UUID, Name: svc.Name})
		for _, c := range svc.Characteristics {
			d.Characteristics = append(d.Characteristics, event.CharacteristicInfo{
				ServiceUUID: svc.UUID,
				UUID:        c.UUID,
				Name:        c.Name,
				Properties:  c.Properties.Strings(),
			})
		}
	}
	return d
}
