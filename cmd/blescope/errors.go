package main

import (
	"errors"

	"github.com/srg/blescope/internal/device"
)

// formatUserError turns low-level adapter failures into actionable messages
func formatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth adapter is off or unavailable; power it on and try again"
	case errors.Is(err, device.ErrUnsupported):
		return err.Error() + " (supported backends: goble, bluez)"
	default:
		return err.Error()
	}
}
