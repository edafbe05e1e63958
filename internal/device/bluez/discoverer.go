// Package bluez discovers peripherals through the BlueZ D-Bus API.
//
// It runs Adapter1.StartDiscovery for one window and then reads every Device1
// object that carries an RSSI, which BlueZ only sets for devices heard during the
// current discovery session.
package bluez

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
)

// ManagedObjects is the GetManagedObjects reply shape
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Discoverer scans with the first BlueZ adapter on the system bus
type Discoverer struct {
	logger *logrus.Logger

	mu      sync.Mutex
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

var _ device.Discoverer = (*Discoverer)(nil)

// New creates a discoverer; the bus connection is opened on first use
func New(logger *logrus.Logger) *Discoverer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Discoverer{logger: logger}
}

func (d *Discoverer) connect() (*dbus.Conn, dbus.ObjectPath, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return d.conn, d.adapter, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var objects ManagedObjects
	if err := conn.Object(busName, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, "", fmt.Errorf("failed to get managed objects: %w", err)
	}
	adapter, err := FindAdapter(objects)
	if err != nil {
		return nil, "", err
	}

	d.logger.WithField("adapter", adapter).Debug("Using BlueZ adapter")
	d.conn, d.adapter = conn, adapter
	return conn, adapter, nil
}

// Discover runs one discovery window and returns the devices heard during it
func (d *Discoverer) Discover(ctx context.Context, window time.Duration) ([]device.Sighting, error) {
	conn, adapter, err := d.connect()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(busName, adapter)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if err := obj.CallWithContext(ctx, adapterInterface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		d.logger.WithError(err).Debug("SetDiscoveryFilter failed, continuing unfiltered")
	}

	if err := obj.CallWithContext(ctx, adapterInterface+".StartDiscovery", 0).Err; err != nil && !isInProgress(err) {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}

	timer := time.NewTimer(window)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	var objects ManagedObjects
	if err := conn.Object(busName, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return ParseSightings(objects, adapter), nil
}

// Release stops discovery and closes the bus connection
func (d *Discoverer) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	// fails with org.bluez.Error.Failed when no discovery is running
	if err := d.conn.Object(busName, d.adapter).Call(adapterInterface+".StopDiscovery", 0).Err; err != nil {
		d.logger.WithError(err).Debug("StopDiscovery failed")
	}

	err := d.conn.Close()
	d.conn, d.adapter = nil, ""
	return err
}

// FindAdapter returns the first object implementing Adapter1, in path order
func FindAdapter(objects ManagedObjects) (dbus.ObjectPath, error) {
	paths := make([]string, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: no bluetooth adapter found", device.ErrUnsupported)
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

// ParseSightings converts Device1 objects under adapter into sightings sorted by address.
// Devices without an RSSI were not heard in this session and are skipped.
func ParseSightings(objects ManagedObjects, adapter dbus.ObjectPath) []device.Sighting {
	prefix := string(adapter) + "/"
	out := make([]device.Sighting, 0)

	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		rssiVar, ok := props["RSSI"]
		if !ok {
			continue
		}
		rssi, ok := rssiVar.Value().(int16)
		if !ok {
			continue
		}
		r := int(rssi)

		s := device.Sighting{RSSI: &r}
		if v, ok := props["Address"].Value().(string); ok {
			s.Address = device.CanonicalAddress(v)
		} else {
			s.Address = device.CanonicalAddress(strings.ReplaceAll(strings.TrimPrefix(string(path), prefix+"dev_"), "_", ":"))
		}

		if v, ok := props["Name"].Value().(string); ok {
			s.Name = strings.TrimSpace(v)
		}
		// BlueZ falls back to the dashed address for Alias
		if v, ok := props["Alias"].Value().(string); ok && s.Name == "" && !device.IsMAC(v) {
			s.Name = strings.TrimSpace(v)
		}

		if v, ok := props["UUIDs"].Value().([]string); ok {
			s.ServiceUUIDs = device.NormalizeUUIDs(v)
		}
		if v, ok := props["ManufacturerData"].Value().(map[uint16]dbus.Variant); ok {
			s.ManufacturerData = encodeManufacturerData(v)
		}
		if v, ok := props["ServiceData"].Value().(map[string]dbus.Variant); ok && len(v) > 0 {
			s.ServiceData = make(map[string][]byte, len(v))
			for uuid, data := range v {
				if b, ok := data.Value().([]byte); ok {
					s.ServiceData[device.NormalizeUUID(uuid)] = b
				}
			}
		}

		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// encodeManufacturerData rebuilds the raw AD payload: little-endian company id followed by data.
// Multiple company entries are concatenated in id order.
func encodeManufacturerData(m map[uint16]dbus.Variant) []byte {
	if len(m) == 0 {
		return nil
	}
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	var out []byte
	for _, id := range ids {
		data, ok := m[uint16(id)].Value().([]byte)
		if !ok {
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(id))
		out = append(out, data...)
	}
	return out
}

func isInProgress(err error) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == "org.bluez.Error.InProgress"
	}
	return false
}
