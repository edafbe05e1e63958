package scanner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/registry"
)

// Publisher receives scan and advertisement events
type Publisher interface {
	Publish(ev event.Event)
}

// Companion is a secondary discovery source that runs only while scanning
type Companion interface {
	Start(ctx context.Context)
	Stop()
}

// Options configures scanning behavior
type Options struct {
	Window        time.Duration `default:"3s"`
	Backoff       time.Duration `default:"2s"`
	FilterMinRSSI *int
	AllowList     []string
	BlockList     []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Status is the externally visible controller state
type Status struct {
	Active bool `json:"scanningActive"`
	Count  int  `json:"count"`
}

// Controller runs repeated bounded discovery windows between Start and Stop
type Controller struct {
	discoverer device.Discoverer
	registry   *registry.Registry
	publisher  Publisher
	companion  Companion
	opts       Options
	logger     *logrus.Logger

	lifecycle sync.Mutex
	active    atomic.Bool
	cancel    context.CancelFunc
	done      <-chan struct{}
}

// New creates an idle controller. Zero-valued options take defaults.
func New(d device.Discoverer, reg *registry.Registry, pub Publisher, opts *Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Controller{
		discoverer: d,
		registry:   reg,
		publisher:  pub,
		opts:       o,
		logger:     logger,
	}
}

// SetCompanion attaches a source started and stopped together with the scan
func (c *Controller) SetCompanion(m Companion) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.companion = m
}

// Start begins scanning. Returns false when already scanning.
func (c *Controller) Start() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.active.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.active.Store(true)

	c.logger.WithFields(logrus.Fields{
		"window":          c.opts.Window,
		"filter_min_rssi": device.MinRSSI(c.opts.FilterMinRSSI),
	}).Info("Starting BLE scan...")
	c.publisher.Publish(event.NewScanState(true, "start"))

	c.done = groutine.Go(ctx, "scan-loop", c.loop)
	if c.companion != nil {
		c.companion.Start(ctx)
	}
	return true
}

// Stop halts scanning and releases the radio. Returns false when already idle.
func (c *Controller) Stop() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.active.Load() {
		return false
	}

	c.cancel()
	<-c.done
	if c.companion != nil {
		c.companion.Stop()
	}
	if err := c.discoverer.Release(); err != nil {
		c.logger.WithError(err).Warn("Failed to release scan device")
	}

	c.active.Store(false)
	c.cancel, c.done = nil, nil

	c.logger.WithField("device_count", c.registry.Len()).Info("BLE scan stopped")
	c.publisher.Publish(event.NewScanState(false, "stop"))
	return true
}

// Active reports whether a scan is running. Lock-free.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// Status returns the scanning flag and the registry size
func (c *Controller) Status() Status {
	return Status{Active: c.Active(), Count: c.registry.Len()}
}

func (c *Controller) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sightings, err := c.discoverer.Discover(ctx, c.opts.Window)
		for _, s := range sightings {
			c.handleSighting(s)
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.WithError(device.NewError(device.DiscoveryFailed, "", err)).
				WithField("backoff", c.opts.Backoff).
				Warn("Discovery window failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.Backoff):
			}
		}
	}
}

// handleSighting filters, records and announces one sighting
func (c *Controller) handleSighting(s device.Sighting) {
	if !c.shouldInclude(s) {
		return
	}

	id := ResolveID(s)
	_, known := c.registry.Find(id)

	now := event.Now()
	update := registry.Update{
		LastSeen: &now,
		LastRSSI: s.RSSI,
	}
	if addr := device.CanonicalAddress(s.Address); addr != "" {
		update.Address = &addr
	}
	if name := strings.TrimSpace(s.Name); name != "" {
		update.LocalName = &name
	}
	services := device.NormalizeUUIDs(s.ServiceUUIDs)
	if services != nil {
		update.ServiceUUIDs = services
	}
	var mfg *string
	if len(s.ManufacturerData) > 0 {
		v := hex.EncodeToString(s.ManufacturerData)
		mfg = &v
		update.ManufacturerDataHex = mfg
	}

	rec := c.registry.Upsert(id, update)

	if !known {
		c.logger.WithFields(logrus.Fields{
			"id":      id,
			"device":  deref(rec.LocalName),
			"address": rec.Address,
			"rssi":    derefInt(s.RSSI),
		}).Debug("Discovered new device")
	}

	c.publisher.Publish(event.NewAdvertisement(event.Advertisement{
		ID:               id,
		Address:          rec.Address,
		RSSI:             s.RSSI,
		LocalName:        rec.LocalName,
		ServiceUUIDs:     services,
		ManufacturerData: mfg,
		ServiceData:      serviceData(s.ServiceData),
	}))
}

// shouldInclude applies the RSSI floor and the allow/block lists
func (c *Controller) shouldInclude(s device.Sighting) bool {
	if !PassesRSSIFloor(s.RSSI, device.MinRSSI(c.opts.FilterMinRSSI)) {
		return false
	}

	addr := device.CanonicalAddress(s.Address)
	for _, blocked := range c.opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(c.opts.AllowList) > 0 {
		for _, a := range c.opts.AllowList {
			if strings.EqualFold(addr, a) {
				return true
			}
		}
		return false
	}

	return true
}

// PassesRSSIFloor reports whether a reading is at or above floor.
// A sighting without an RSSI always passes: some backends omit the reading on
// scan responses, and dropping those would hide devices that are plainly nearby.
func PassesRSSIFloor(rssi *int, floor int) bool {
	return rssi == nil || *rssi >= floor
}

// ResolveID picks a stable identifier for a sighting: the platform handle, else
// the canonical address, else the observed name, else a fingerprint of its payload.
func ResolveID(s device.Sighting) string {
	if id := strings.TrimSpace(s.ID); id != "" {
		return id
	}
	if addr := device.CanonicalAddress(s.Address); addr != "" {
		return addr
	}
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}

	h := fnv.New32a()
	services := device.NormalizeUUIDs(s.ServiceUUIDs)
	sort.Strings(services)
	for _, u := range services {
		_, _ = h.Write([]byte(u))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(s.ManufacturerData)
	return fmt.Sprintf("anon-%08x", h.Sum32())
}

func serviceData(in map[string][]byte) []event.ServiceData {
	if len(in) == 0 {
		return nil
	}
	out := make([]event.ServiceData, 0, len(in))
	for uuid, data := range in {
		out = append(out, event.ServiceData{UUID: device.NormalizeUUID(uuid), Data: hex.EncodeToString(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
