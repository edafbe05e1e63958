package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/testutils"
	"github.com/srg/blescope/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func newLevelCmd(level string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	if level != "" {
		_ = cmd.Flags().Set("log-level", level)
	}
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	logger, err := configureLogger(newLevelCmd(""), logrus.WarnLevel)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel(), "fallback used when the flag is absent")

	logger, err = configureLogger(newLevelCmd("debug"), logrus.WarnLevel)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, err = configureLogger(newLevelCmd("loud"), logrus.InfoLevel)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestApplyServeFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().AddFlagSet(serveCmd.Flags())
	require.NoError(t, cmd.Flags().Set("listen", ":9999"))
	require.NoError(t, cmd.Flags().Set("filter-min-rssi", "-70"))
	require.NoError(t, cmd.Flags().Set("no-scan", "true"))

	cfg := config.DefaultConfig()
	cfg.Backend = "bluez"
	applyServeFlags(cmd, cfg)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, -70, cfg.MinRSSI())
	assert.Equal(t, "bluez", cfg.Backend, "unset flags leave config values alone")
	assert.False(t, cfg.AutoStartScan())
	assert.False(t, cfg.Monitor.Disabled)
}

func TestApplyServeFlags_ZeroRSSIFloor(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().AddFlagSet(serveCmd.Flags())
	require.NoError(t, cmd.Flags().Set("filter-min-rssi", "0"))

	cfg := config.DefaultConfig()
	applyServeFlags(cmd, cfg)

	assert.Equal(t, 0, cfg.MinRSSI())
	assert.Equal(t, testutils.Ptr(0), cfg.ScanOptions().FilterMinRSSI)
}

func TestFormatUserError(t *testing.T) {
	assert.Contains(t, formatUserError(fmt.Errorf("scan: %w", device.ErrBluetoothOff)), "power it on")
	assert.Contains(t, formatUserError(fmt.Errorf("%w: unknown BLE backend \"x\"", device.ErrUnsupported)), "goble, bluez")
	assert.Equal(t, "boom", formatUserError(errors.New("boom")))
}

type fakeEngine struct {
	starts, stops atomic.Int32
	devices       []registry.Device
}

func (f *fakeEngine) StartScan() bool                { f.starts.Add(1); return true }
func (f *fakeEngine) StopScan() bool                 { f.stops.Add(1); return true }
func (f *fakeEngine) ListDevices() []registry.Device { return f.devices }

func TestCollectDevices(t *testing.T) {
	eng := &fakeEngine{devices: []registry.Device{{ID: "a", Address: "AA"}}}

	start := time.Now()
	devs := collectDevices(context.Background(), eng, 30*time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, devs, 1)
	assert.EqualValues(t, 1, eng.starts.Load())
	assert.EqualValues(t, 1, eng.stops.Load())
}

func TestCollectDevices_Interrupted(t *testing.T) {
	eng := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	devs := collectDevices(ctx, eng, 0)

	assert.Empty(t, devs)
	assert.EqualValues(t, 1, eng.stops.Load())
}

func TestWriteDevices(t *testing.T) {
	devs := []registry.Device{{
		ID:        "strap",
		Address:   "AA:BB:CC:DD:EE:FF",
		LocalName: testutils.Ptr("Heart Strap"),
		LastRSSI:  testutils.Ptr(-60),
	}}

	var buf bytes.Buffer
	require.NoError(t, writeDevices(&buf, devs, "table", false))
	assert.Contains(t, buf.String(), "Found 1 device(s):")
	assert.Contains(t, buf.String(), "Heart Strap")
	assert.Contains(t, buf.String(), "-60 dBm")

	buf.Reset()
	require.NoError(t, writeDevices(&buf, devs, "json", false))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	testutils.NewJSONAsserter(t).AssertValue(decoded, `[{"id":"strap","address":"AA:BB:CC:DD:EE:FF","localName":"Heart Strap","lastRssi":-60}]`)

	buf.Reset()
	require.NoError(t, writeDevices(&buf, nil, "json", false))
	assert.JSONEq(t, "[]", buf.String())
}
