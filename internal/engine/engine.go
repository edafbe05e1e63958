// Package engine wires the registry, scan controller, enrichment monitor,
// connection manager and fan-out hub into the surface the route layer uses.
package engine

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/connmgr"
	"github.com/srg/blescope/internal/devicefactory"
	"github.com/srg/blescope/internal/enrich"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/hub"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/scanner"
)

// Options groups per-component options. Nil members take defaults.
type Options struct {
	Scan    *scanner.Options
	Monitor *enrich.Options
	Hub     *hub.Options
	Conn    *connmgr.Options
	// Launcher starts the enrichment process; nil disables enrichment
	Launcher enrich.Launcher
}

// Engine is safe for concurrent use
type Engine struct {
	registry *registry.Registry
	hub      *hub.Hub
	scanner  *scanner.Controller
	monitor  *enrich.Monitor
	conns    *connmgr.Manager
	logger   *logrus.Logger
}

// New assembles an idle engine on top of providers
func New(providers devicefactory.Providers, opts Options, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}

	scanOpts := scanner.DefaultOptions()
	if opts.Scan != nil {
		scanOpts = opts.Scan
	}

	e := &Engine{
		registry: registry.New(),
		logger:   logger,
	}
	e.hub = hub.New(opts.Hub, logger)
	e.scanner = scanner.New(providers.Discoverer, e.registry, e.hub, scanOpts, logger)
	e.conns = connmgr.New(providers.Connector, e.registry, e.hub, opts.Conn, logger)

	if opts.Launcher != nil {
		monOpts := enrich.Options{}
		if opts.Monitor != nil {
			monOpts = *opts.Monitor
		}
		if monOpts.FilterMinRSSI == nil {
			monOpts.FilterMinRSSI = scanOpts.FilterMinRSSI
		}
		e.monitor = enrich.New(opts.Launcher, e.registry, e.hub, &monOpts, logger)
		e.scanner.SetCompanion(e.monitor)
	}

	e.hub.SetSnapshotSource(e.snapshot)
	return e
}

// snapshot runs under the hub lock. It only touches the registry, the
// lock-free session map and the atomic scan flag.
func (e *Engine) snapshot() event.Event {
	return event.NewSnapshot(e.ListDevices(), e.scanner.Active())
}

// ListDevices returns every known device, named first, with the connection
// state derived from the live session map.
func (e *Engine) ListDevices() []registry.Device {
	devs := e.registry.List()
	for i := range devs {
		if status, ok := e.conns.Status(devs[i].ID); ok {
			s := string(status)
			devs[i].ConnectionStatus = &s
			devs[i].Connected = status == connmgr.StatusConnected
		}
	}
	registry.SortByName(devs)
	return devs
}

// StartScan begins scanning. Returns false when already scanning.
func (e *Engine) StartScan() bool {
	return e.scanner.Start()
}

// StopScan stops scanning. Returns false when already idle.
func (e *Engine) StopScan() bool {
	return e.scanner.Stop()
}

// ScanStatus reports the scanning flag and the number of known devices
func (e *Engine) ScanStatus() scanner.Status {
	return e.scanner.Status()
}

// Connect opens a session to the device registered under id
func (e *Engine) Connect(ctx context.Context, id string) (event.ConnectionDetails, error) {
	return e.conns.Connect(ctx, id)
}

// Disconnect tears down the session for id
func (e *Engine) Disconnect(id string) error {
	return e.conns.Disconnect(id)
}

// SubscribePush registers a live subscriber that first receives a snapshot
func (e *Engine) SubscribePush() (*hub.PushSubscription, error) {
	return e.hub.SubscribePush()
}

// SubscribePull registers a subscriber that first receives the recent history
func (e *Engine) SubscribePull() (*hub.PullSubscription, error) {
	return e.hub.SubscribePull()
}

// Stats reports push and pull subscriber counts
func (e *Engine) Stats() (push, pull int) {
	return e.hub.Stats()
}

// Close stops scanning, drops every session and ends all subscriptions
func (e *Engine) Close() {
	e.scanner.Stop()
	e.conns.Close()
	e.hub.Close()
	e.logger.Debug("Engine closed")
}
