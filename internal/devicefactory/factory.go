package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/device/bluez"
	"github.com/srg/blescope/internal/device/goble"
)

// Backend names accepted by New
const (
	BackendGoBLE = "goble"
	BackendBlueZ = "bluez"
)

// Providers is the pair of capabilities the engine needs
type Providers struct {
	Discoverer device.Discoverer
	Connector  device.Connector
}

// ProvidersFactory builds the providers for a backend.
// This is a variable so that it can be overridden in tests.
var ProvidersFactory = newProviders

// New returns the discovery and connection providers for backend.
// Connections always go through go-ble; bluez only replaces discovery.
func New(backend string, allowDup bool, logger *logrus.Logger) (Providers, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return ProvidersFactory(strings.ToLower(strings.TrimSpace(backend)), allowDup, logger)
}

func newProviders(backend string, allowDup bool, logger *logrus.Logger) (Providers, error) {
	radio := goble.NewRadio(allowDup, logger)

	switch backend {
	case "", BackendGoBLE:
		return Providers{Discoverer: radio, Connector: radio}, nil
	case BackendBlueZ:
		return Providers{Discoverer: bluez.New(logger), Connector: radio}, nil
	default:
		return Providers{}, fmt.Errorf("%w: unknown BLE backend %q", device.ErrUnsupported, backend)
	}
}
