//go:build !linux && !darwin

package enrich

import (
	"context"

	"github.com/srg/blescope/internal/device"
)

// PTYLauncher is unavailable without pseudo terminal support
func PTYLauncher(context.Context, string) (Process, error) {
	return nil, device.ErrUnsupported
}
