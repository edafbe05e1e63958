package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/devicefactory"
	"github.com/srg/blescope/internal/engine"
	"github.com/srg/blescope/internal/enrich"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/report"
	"github.com/srg/blescope/pkg/config"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices and print what was found",
	Long: `Run the discovery engine for a fixed duration and print the registry.

No HTTP server is started. Named devices are listed first.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanMinRSSI   int
	scanBackend   string
	scanMonitor   bool
	scanWatch     bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().IntVar(&scanMinRSSI, "filter-min-rssi", -200, "Drop sightings weaker than this RSSI")
	scanCmd.Flags().StringVar(&scanBackend, "backend", devicefactory.BackendGoBLE, "Discovery backend (goble, bluez)")
	scanCmd.Flags().BoolVar(&scanMonitor, "monitor", false, "Also run bluetoothctl enrichment")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Redraw the table every second while scanning")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

// discoveryEngine is the part of the engine a one-shot scan needs
type discoveryEngine interface {
	StartScan() bool
	StopScan() bool
	ListDevices() []registry.Device
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	providers, err := devicefactory.New(scanBackend, true, logger)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if cmd.Flags().Changed("filter-min-rssi") {
		cfg.Scan.FilterMinRSSI = &scanMinRSSI
	}
	cfg.Scan.AllowList = scanAllowList
	cfg.Scan.BlockList = scanBlockList

	opts := engineOptions(cfg)
	if scanMonitor {
		opts.Launcher = enrich.PTYLauncher
	}
	eng := engine.New(providers, opts, logger)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	colored := report.IsTerminal(os.Stdout)
	if scanWatch {
		return watchDevices(ctx, eng, scanDuration, os.Stdout, colored)
	}

	fmt.Fprintln(os.Stderr, "Scanning for BLE devices...")
	devs := collectDevices(ctx, eng, scanDuration)
	return writeDevices(os.Stdout, devs, scanFormat, colored)
}

// collectDevices scans until d elapses (or forever when d is 0) or ctx ends
func collectDevices(ctx context.Context, eng discoveryEngine, d time.Duration) []registry.Device {
	eng.StartScan()
	defer eng.StopScan()

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	<-ctx.Done()

	return eng.ListDevices()
}

func watchDevices(ctx context.Context, eng discoveryEngine, d time.Duration, out io.Writer, colored bool) error {
	eng.StartScan()
	defer eng.StopScan()

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			clearScreen(out)
			if err := report.RenderTable(out, eng.ListDevices(), time.UnixMilli(event.Now()), 0, colored); err != nil {
				return err
			}
		}
	}
}

func writeDevices(out io.Writer, devs []registry.Device, format string, colored bool) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if devs == nil {
			devs = []registry.Device{}
		}
		return enc.Encode(devs)
	}

	if _, err := fmt.Fprintf(out, "Found %d device(s):\n", len(devs)); err != nil {
		return err
	}
	return report.RenderTable(out, devs, time.UnixMilli(event.Now()), 0, colored)
}

func clearScreen(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
}
