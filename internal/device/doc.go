// Package device defines the opaque BLE capability consumed by the scan controller
// and the connection manager, along with the shared error taxonomy.
//
// The package provides:
//   - Discoverer: bounded-window discovery returning sightings
//   - Connector and Session: connect, GATT discovery, notification subscriptions
//   - ConnectionError with sentinel states comparable through errors.Is
//   - UUID and MAC address normalization shared by every producer
//
// Concrete providers live in the goble (go-ble/ble) and bluez (D-Bus) subpackages.
package device
