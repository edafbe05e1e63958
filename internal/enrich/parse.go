package enrich

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/srg/blescope/internal/device"
)

const macExpr = `([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})`

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[()][0-9A-Za-z]`)
	promptPattern  = regexp.MustCompile(`\[[^\]\[]*\]#\s?`)
	rssiPattern    = regexp.MustCompile(`Device ` + macExpr + ` RSSI: (?:0x[0-9A-Fa-f]+ \()?(-?\d+)\)?`)
	namePattern    = regexp.MustCompile(`Device ` + macExpr + ` (?:Name|Alias): (.+)$`)
	listingPattern = regexp.MustCompile(`^(?:\[(?:NEW|CHG)\] )?Device ` + macExpr + ` (.+)$`)
	propertyTail   = regexp.MustCompile(`^[A-Za-z][\w.\-]*(?: [A-Za-z][\w.\-]*)?(?:\[[^\]]*\])?:(?: |$)`)
)

// observationKind tells which cache an observation updates
type observationKind int

const (
	observedRSSI observationKind = iota + 1
	observedName
)

// observation is one fact extracted from a diagnostic line
type observation struct {
	kind    observationKind
	address string
	rssi    int
	name    string
}

// cleanLine strips terminal control sequences, carriage returns and the interactive prompt
func cleanLine(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	line = strings.ReplaceAll(line, "\r", "")
	line = promptPattern.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// parseLine extracts at most one observation from a cleaned line
func parseLine(line string) (observation, bool) {
	if m := rssiPattern.FindStringSubmatch(line); m != nil {
		rssi, err := strconv.Atoi(m[2])
		if err != nil {
			return observation{}, false
		}
		return observation{kind: observedRSSI, address: device.CanonicalAddress(m[1]), rssi: rssi}, true
	}

	if m := namePattern.FindStringSubmatch(line); m != nil {
		return observation{kind: observedName, address: device.CanonicalAddress(m[1]), name: strings.TrimSpace(m[2])}, true
	}

	if m := listingPattern.FindStringSubmatch(line); m != nil {
		tail := strings.TrimSpace(m[2])
		if propertyTail.MatchString(tail) {
			return observation{}, false
		}
		return observation{kind: observedName, address: device.CanonicalAddress(m[1]), name: tail}, true
	}

	return observation{}, false
}

// isPlaceholderName reports names the diagnostic tool invents when it knows nothing better
func isPlaceholderName(name, address string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "unknown", "n/a", "device":
		return true
	}
	if n == strings.ToLower(strings.ReplaceAll(address, ":", "-")) {
		return true
	}
	return device.IsMAC(n)
}
