package goble

import (
	"strings"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
)

// advertisement is the subset of ble.Advertisement a sighting is built from
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	RSSI() int
	Addr() ble.Addr
}

// NewSighting converts a go-ble advertisement into a platform-neutral sighting.
// go-ble exposes no stable handle beyond the address, so ID stays empty.
func NewSighting(adv advertisement) device.Sighting {
	rssi := adv.RSSI()

	s := device.Sighting{
		Name: strings.TrimSpace(adv.LocalName()),
		RSSI: &rssi,
	}
	if addr := adv.Addr(); addr != nil {
		s.Address = device.CanonicalAddress(addr.String())
	}

	services := adv.Services()
	s.ServiceUUIDs = make([]string, 0, len(services))
	for _, u := range services {
		s.ServiceUUIDs = append(s.ServiceUUIDs, u.String())
	}
	s.ServiceUUIDs = device.NormalizeUUIDs(s.ServiceUUIDs)

	if md := adv.ManufacturerData(); len(md) > 0 {
		s.ManufacturerData = append([]byte(nil), md...)
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		s.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			s.ServiceData[device.NormalizeUUID(entry.UUID.String())] = append([]byte(nil), entry.Data...)
		}
	}

	if s.Name == "" {
		s.Name = extractNameFromManufacturerData(s.ManufacturerData)
	}
	return s
}

// mergeSighting folds a later sighting of the same peripheral into an earlier one.
// Scan responses often carry only part of the payload, so empty fields keep the prior value.
func mergeSighting(prev, next device.Sighting) device.Sighting {
	if next.Name == "" {
		next.Name = prev.Name
	}
	if len(next.ServiceUUIDs) == 0 {
		next.ServiceUUIDs = prev.ServiceUUIDs
	}
	if len(next.ManufacturerData) == 0 {
		next.ManufacturerData = prev.ManufacturerData
	}
	if len(next.ServiceData) == 0 {
		next.ServiceData = prev.ServiceData
	}
	return next
}

// extractNameFromManufacturerData looks for an embedded printable ASCII name
func extractNameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// skip the 2-byte company identifier
	for i := 2; i < len(data)-2; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if name := strings.TrimSpace(string(nameBytes)); isValidDeviceName(name) {
			return name
		}
		i += len(nameBytes)
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126 && unicode.IsPrint(rune(b))
}

// isValidDeviceName requires 4 to 32 characters with at least two letters
func isValidDeviceName(name string) bool {
	if len(name) < 4 || len(name) > 32 {
		return false
	}
	letters := 0
	for _, r := range name {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 2
}
