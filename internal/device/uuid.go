package device

import (
	"regexp"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:_-][0-9A-Fa-f]{2}){5}$`)

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips braces and a 0x prefix. Full 128-bit UUIDs in the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.Trim(u, "{}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings, dropping duplicates and empties
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(uuids))
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		n := NormalizeUUID(u)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, n)
	}
	return result
}

// IsMAC reports whether s looks like a 48-bit link-layer address
func IsMAC(s string) bool {
	return macPattern.MatchString(strings.TrimSpace(s))
}

// CanonicalAddress returns the uppercase colon-separated form of a MAC address.
// Non-MAC identifiers (e.g. CoreBluetooth UUIDs) are only trimmed.
func CanonicalAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if !IsMAC(a) {
		return a
	}
	a = strings.NewReplacer("-", ":", "_", ":").Replace(a)
	return strings.ToUpper(a)
}
