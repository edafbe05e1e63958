package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/devicefactory"
	"github.com/srg/blescope/internal/engine"
	"github.com/srg/blescope/internal/enrich"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/report"
	"github.com/srg/blescope/internal/server"
	"github.com/srg/blescope/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Scan continuously and serve the device registry and event streams",
	Long: `Start the discovery engine and the HTTP server.

Routes:
  GET  /devices          registry listing, named devices first
  POST /scan/start       start scanning
  POST /scan/stop        stop scanning
  GET  /scan/status      scanning flag and device count
  POST /connect/{id}     connect and subscribe to every notifying characteristic
  POST /disconnect/{id}  close a connection
  GET  /events           Server-Sent Events with replay of recent events
  GET  /ws               WebSocket with an initial snapshot

Settings come from --config, then the FILTER_MIN_RSSI, PORT, BLE_BACKEND and
LOG_LEVEL environment variables, then command-line flags.`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveListen     string
	serveMinRSSI    int
	serveBackend    string
	serveNoMonitor  bool
	serveStaticDir  string
	serveNoScan     bool
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "YAML configuration file")
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "HTTP listen address (default :8080)")
	serveCmd.Flags().IntVar(&serveMinRSSI, "filter-min-rssi", 0, "Drop sightings weaker than this RSSI (default -200)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Discovery backend (goble, bluez)")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "Do not run bluetoothctl enrichment")
	serveCmd.Flags().StringVar(&serveStaticDir, "static", "", "Directory served at /")
	serveCmd.Flags().BoolVar(&serveNoScan, "no-scan", false, "Wait for POST /scan/start instead of scanning at startup")
}

// applyServeFlags lets explicitly set flags override file and environment values
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("filter-min-rssi") {
		cfg.Scan.FilterMinRSSI = &serveMinRSSI
	}
	if flags.Changed("backend") {
		cfg.Backend = serveBackend
	}
	if flags.Changed("no-monitor") {
		cfg.Monitor.Disabled = serveNoMonitor
	}
	if flags.Changed("static") {
		cfg.StaticDir = serveStaticDir
	}
	if flags.Changed("no-scan") {
		autoStart := !serveNoScan
		cfg.Scan.AutoStart = &autoStart
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	providers, err := devicefactory.New(cfg.Backend, true, logger)
	if err != nil {
		return err
	}

	opts := engineOptions(cfg)
	if !cfg.Monitor.Disabled {
		opts.Launcher = enrich.PTYLauncher
	}
	eng := engine.New(providers, opts, logger)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoStartScan() {
		eng.StartScan()
	}

	rep := report.New(eng, os.Stdout, cfg.ReportOptions(report.IsTerminal(os.Stdout)), logger)
	reportDone := groutine.Go(ctx, "console-report", func(ctx context.Context) {
		if err := rep.Run(ctx); err != nil {
			logger.WithError(err).Warn("Console report stopped")
		}
	})

	logger.WithFields(logrus.Fields{
		"listen":  cfg.Listen,
		"backend": cfg.Backend,
		"monitor": !cfg.Monitor.Disabled,
	}).Info("blescope is up")

	srv := server.New(eng, cfg.ServerOptions(), logger)
	err = srv.ListenAndServe(ctx)

	stop()
	<-reportDone
	eng.StopScan()
	return err
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Scan:    cfg.ScanOptions(),
		Monitor: cfg.MonitorOptions(),
		Hub:     cfg.HubOptions(),
		Conn:    cfg.ConnOptions(),
	}
}
