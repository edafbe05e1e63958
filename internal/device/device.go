package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMinRSSI is the RSSI floor used when none is configured; it admits every reading
const DefaultMinRSSI = -200

// MinRSSI resolves an optional floor. Nil means DefaultMinRSSI, so an explicit 0 is kept.
func MinRSSI(floor *int) int {
	if floor == nil {
		return DefaultMinRSSI
	}
	return *floor
}

// ConnectionState represents the specific kind of device or connection failure
type ConnectionState string

const (
	DeviceNotFound     ConnectionState = "device_not_found"
	NotConnected       ConnectionState = "not_connected"
	AlreadyConnected   ConnectionState = "already_connected"
	ConnectionFailed   ConnectionState = "connection_failed"
	SubscriptionFailed ConnectionState = "subscription_failed"
	DiscoveryFailed    ConnectionState = "discovery_failed"
)

// ConnectionError represents any device-related problem surfaced to callers
type ConnectionError struct {
	State ConnectionState
	ID    string
	Msg   string
	Err   error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(string(e.State))
	if e.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.ID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors, compared by State
var (
	ErrDeviceNotFound     = &ConnectionError{State: DeviceNotFound}
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected   = &ConnectionError{State: AlreadyConnected}
	ErrConnectionFailed   = &ConnectionError{State: ConnectionFailed}
	ErrSubscriptionFailed = &ConnectionError{State: SubscriptionFailed}
	ErrDiscoveryFailed    = &ConnectionError{State: DiscoveryFailed}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// NewError builds a ConnectionError for the given state and device id
func NewError(state ConnectionState, id string, cause error) *ConnectionError {
	return &ConnectionError{State: state, ID: id, Err: cause}
}

// NormalizeError maps known BLE stack error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// IsTransientConnectError reports whether a connect attempt failed in a way BlueZ
// commonly recovers from on the next attempt.
func IsTransientConnectError(err error) bool {
	if err == nil {
		return false
	}
	return containsIgnoreCase(err.Error(), "le-connection-abort-by-local")
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Sighting is one peripheral observed during a discovery window
type Sighting struct {
	ID               string // platform-stable handle, empty when the platform has none
	Address          string
	Name             string
	RSSI             *int
	ServiceUUIDs     []string
	ManufacturerData []byte
	ServiceData      map[string][]byte
}

// Discoverer is the scanning half of the BLE capability
type Discoverer interface {
	// Discover scans for at most window and returns everything sighted
	Discover(ctx context.Context, window time.Duration) ([]Sighting, error)
	// Release stops any radio-level scanning and frees the adapter
	Release() error
}

// Connector opens client sessions to peripherals
type Connector interface {
	Connect(ctx context.Context, address string) (Session, error)
}

// Session is a live client connection to one peripheral
type Session interface {
	Services(ctx context.Context) ([]Service, error)
	Subscribe(serviceUUID, charUUID string, handler func(data []byte)) error
	Disconnect() error
	// Disconnected is closed when the peripheral drops the link
	Disconnected() <-chan struct{}
}

// Service represents a discovered GATT service
type Service struct {
	UUID            string
	Name            string
	Characteristics []Characteristic
}

// Characteristic represents characteristic metadata
type Characteristic struct {
	UUID       string
	Name       string
	Properties Properties
}

// Property represents a single BLE characteristic property
type Property string

const (
	PropBroadcast            Property = "broadcast"
	PropRead                 Property = "read"
	PropWriteWithoutResponse Property = "writeWithoutResponse"
	PropWrite                Property = "write"
	PropNotify               Property = "notify"
	PropIndicate             Property = "indicate"
	PropAuthenticatedWrites  Property = "authenticatedSignedWrites"
	PropExtendedProperties   Property = "extendedProperties"
)

// Properties is the set of properties a characteristic exposes
type Properties []Property

// Has reports whether p is present
func (ps Properties) Has(p Property) bool {
	for _, v := range ps {
		if v == p {
			return true
		}
	}
	return false
}

// CanNotify reports notify or indicate support
func (ps Properties) CanNotify() bool {
	return ps.Has(PropNotify) || ps.Has(PropIndicate)
}

// Strings returns properties as plain strings
func (ps Properties) Strings() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
