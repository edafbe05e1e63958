package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blescope/internal/device"
)

// NormalizeError maps go-ble specific error strings onto the shared sentinels and
// falls back to device.NormalizeError for the generic ones.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "have=4 want=5"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "can't init hci"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return device.NormalizeError(err)
	}
}
