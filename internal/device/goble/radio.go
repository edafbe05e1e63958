package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
)

// Device is the part of ble.Device the radio drives
type Device interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// DeviceFactory creates the platform BLE device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Radio owns one go-ble device and serves both discovery and connections from it.
// The device is opened lazily and stopped once neither a scan nor a session
// (including a dial in flight) holds it.
type Radio struct {
	allowDup bool
	logger   *logrus.Logger

	mu       sync.Mutex
	dev      Device
	scanning bool
	sessions int // live sessions plus pending dials
}

var (
	_ device.Discoverer = (*Radio)(nil)
	_ device.Connector  = (*Radio)(nil)
)

// NewRadio creates a radio. allowDup keeps duplicate advertisements so RSSI stays fresh.
func NewRadio(allowDup bool, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{allowDup: allowDup, logger: logger}
}

// acquire opens the device if needed and records the holder under one lock
func (r *Radio) acquire(forScan bool) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			return nil, NormalizeError(err)
		}
		r.dev = dev
		r.logger.Debug("BLE device opened")
	}
	if forScan {
		r.scanning = true
	} else {
		r.sessions++
	}
	return r.dev, nil
}

// stopIfUnused stops the device when nothing holds it. Caller holds r.mu.
func (r *Radio) stopIfUnused() error {
	if r.dev == nil || r.scanning || r.sessions > 0 {
		return nil
	}
	err := r.dev.Stop()
	r.dev = nil
	r.logger.Debug("BLE device released")
	return NormalizeError(err)
}

// Discover scans for one window and returns the latest sighting per address in first-seen order.
func (r *Radio) Discover(ctx context.Context, window time.Duration) ([]device.Sighting, error) {
	dev, err := r.acquire(true)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		mu    sync.Mutex
		order []string
		seen  = make(map[string]device.Sighting)
	)
	err = dev.Scan(wctx, r.allowDup, func(adv ble.Advertisement) {
		s := NewSighting(adv)
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[s.Address]; ok {
			s = mergeSighting(prev, s)
		} else {
			order = append(order, s.Address)
		}
		seen[s.Address] = s
	})

	mu.Lock()
	out := make([]device.Sighting, 0, len(order))
	for _, addr := range order {
		out = append(out, seen[addr])
	}
	mu.Unlock()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return out, NormalizeError(err)
	}
	return out, nil
}

// Release ends the scan's hold on the device. The device stays open while a
// session or a dial still needs it.
func (r *Radio) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scanning = false
	if r.sessions > 0 {
		r.logger.WithField("sessions", r.sessions).Debug("BLE device kept open for connected sessions")
		return nil
	}
	return r.stopIfUnused()
}

// Connect dials address and returns a live session
func (r *Radio) Connect(ctx context.Context, address string) (device.Session, error) {
	dev, err := r.acquire(false)
	if err != nil {
		return nil, err
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		r.sessionClosed()
		return nil, NormalizeError(err)
	}

	return newSession(client, address, r.sessionClosed, r.logger), nil
}

// sessionClosed drops one session hold and stops an otherwise idle device
func (r *Radio) sessionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions > 0 {
		r.sessions--
	}
	if err := r.stopIfUnused(); err != nil {
		r.logger.WithError(err).Debug("Failed to stop idle BLE device")
	}
}
