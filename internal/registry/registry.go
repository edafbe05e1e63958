// Package registry holds the authoritative mapping from device id to last-known state.
//
// Writes perform a shallow field-level merge: every field present in an Update
// replaces the stored value, absent fields are preserved. Reads always return copies.
package registry

import (
	"sort"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Device is the last-known state of one peripheral
type Device struct {
	ID                  string   `json:"id"`
	Address             string   `json:"address"`
	LocalName           *string  `json:"localName"`
	LastRSSI            *int     `json:"lastRssi"`
	LastSeen            int64    `json:"lastSeen"`
	ServiceUUIDs        []string `json:"serviceUuids"`
	ManufacturerDataHex *string  `json:"manufacturerDataHex"`

	// Derived at read time by the engine, never stored
	Connected        bool    `json:"connected"`
	ConnectionStatus *string `json:"connectionStatus"`
}

// Update carries the fields a producer wants to overwrite. Nil means absent.
type Update struct {
	Address             *string
	LocalName           *string
	LastRSSI            *int
	LastSeen            *int64
	ServiceUUIDs        []string // nil = absent, empty = clear
	ManufacturerDataHex *string
}

// Registry is safe for concurrent use
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, *Device]
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		devices: orderedmap.New[string, *Device](),
	}
}

// Upsert merges u into the entry for id, creating it on first sight,
// and returns a copy of the merged record.
func (r *Registry) Upsert(id string, u Update) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices.Get(id)
	if !ok {
		dev = &Device{ID: id, ServiceUUIDs: []string{}}
		r.devices.Set(id, dev)
	}
	apply(dev, u)
	return dev.clone()
}

// Find returns a copy of the entry for id
func (r *Registry) Find(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices.Get(id)
	if !ok {
		return Device{}, false
	}
	return dev.clone(), true
}

// List returns a point-in-time copy of all entries in first-seen order
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.clone())
	}
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// SortByName orders named devices first (case-insensitive alphabetical),
// unnamed ones after in their original order.
func SortByName(devs []Device) {
	sort.SliceStable(devs, func(i, j int) bool {
		a, b := displayKey(devs[i]), displayKey(devs[j])
		switch {
		case a != "" && b == "":
			return true
		case a == "" || b == "":
			return false
		default:
			return a < b
		}
	})
}

func displayKey(d Device) string {
	if d.LocalName == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*d.LocalName))
}

func apply(dev *Device, u Update) {
	if u.Address != nil {
		dev.Address = *u.Address
	}
	if u.LocalName != nil {
		// blank names count as absent so they never clear a known name
		if name := strings.TrimSpace(*u.LocalName); name != "" {
			dev.LocalName = &name
		}
	}
	if u.LastRSSI != nil {
		v := *u.LastRSSI
		dev.LastRSSI = &v
	}
	if u.LastSeen != nil {
		dev.LastSeen = *u.LastSeen
	}
	if u.ServiceUUIDs != nil {
		dev.ServiceUUIDs = dedupe(u.ServiceUUIDs)
	}
	if u.ManufacturerDataHex != nil {
		v := *u.ManufacturerDataHex
		dev.ManufacturerDataHex = &v
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (d *Device) clone() Device {
	c := *d
	c.ServiceUUIDs = append(make([]string, 0, len(d.ServiceUUIDs)), d.ServiceUUIDs...)
	if d.LocalName != nil {
		v := *d.LocalName
		c.LocalName = &v
	}
	if d.LastRSSI != nil {
		v := *d.LastRSSI
		c.LastRSSI = &v
	}
	if d.ManufacturerDataHex != nil {
		v := *d.ManufacturerDataHex
		c.ManufacturerDataHex = &v
	}
	if d.ConnectionStatus != nil {
		v := *d.ConnectionStatus
		c.ConnectionStatus = &v
	}
	return c
}

// Ptr is a small helper for building Updates
func Ptr[T any](v T) *T {
	return &v
}
