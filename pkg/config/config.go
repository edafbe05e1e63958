// Package config loads blescope settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/connmgr"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/enrich"
	"github.com/srg/blescope/internal/hub"
	"github.com/srg/blescope/internal/report"
	"github.com/srg/blescope/internal/server"
	"github.com/srg/blescope/scanner"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvFilterMinRSSI = "FILTER_MIN_RSSI"
	EnvPort          = "PORT"
	EnvBackend       = "BLE_BACKEND"
	EnvLogLevel      = "LOG_LEVEL"
)

// ScanConfig controls the discovery loop
type ScanConfig struct {
	Window        time.Duration `yaml:"window" default:"3s"`
	Backoff       time.Duration `yaml:"backoff" default:"2s"`
	FilterMinRSSI *int          `yaml:"filter_min_rssi"`
	AllowList     []string      `yaml:"allow_list"`
	BlockList     []string      `yaml:"block_list"`
	AutoStart     *bool         `yaml:"auto_start"`
}

// MonitorConfig controls the bluetoothctl enrichment process
type MonitorConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Command      string        `yaml:"command" default:"bluetoothctl"`
	RestartDelay time.Duration `yaml:"restart_delay" default:"5s"`
}

// ConnectConfig controls GATT connections
type ConnectConfig struct {
	Timeout       time.Duration `yaml:"timeout" default:"15s"`
	RetryAttempts int           `yaml:"retry_attempts" default:"3"`
}

// ReportConfig controls the console summary
type ReportConfig struct {
	Interval     time.Duration `yaml:"interval" default:"30s"`
	SilenceAlert time.Duration `yaml:"silence_alert" default:"15s"`
	MaxRows      int           `yaml:"max_rows" default:"20"`
}

// Config holds application configuration
type Config struct {
	LogLevel   logrus.Level `yaml:"-"`
	LogLevelID string       `yaml:"log_level" default:"info"`
	Listen     string       `yaml:"listen" default:":8080"`
	StaticDir  string       `yaml:"static_dir"`
	Backend    string       `yaml:"backend" default:"goble"`
	ReplaySize int          `yaml:"replay_size" default:"100"`

	Scan    ScanConfig    `yaml:"scan"`
	Monitor MonitorConfig `yaml:"monitor"`
	Connect ConnectConfig `yaml:"connect"`
	Report  ReportConfig  `yaml:"report"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads path (optional), applies environment overrides and fills the
// remaining zero values with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	defaults.SetDefaults(cfg)

	level, err := logrus.ParseLevel(cfg.LogLevelID)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevelID, err)
	}
	cfg.LogLevel = level

	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvFilterMinRSSI); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvFilterMinRSSI, v, err)
		}
		c.Scan.FilterMinRSSI = &n
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, v)
		}
		c.Listen = fmt.Sprintf(":%d", port)
	}
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevelID = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// AutoStartScan reports whether scanning begins as soon as the server is up
func (c *Config) AutoStartScan() bool {
	return c.Scan.AutoStart == nil || *c.Scan.AutoStart
}

// MinRSSI returns the configured RSSI floor, or the default when unset
func (c *Config) MinRSSI() int {
	return device.MinRSSI(c.Scan.FilterMinRSSI)
}

// ScanOptions converts the scan section
func (c *Config) ScanOptions() *scanner.Options {
	return &scanner.Options{
		Window:        c.Scan.Window,
		Backoff:       c.Scan.Backoff,
		FilterMinRSSI: c.Scan.FilterMinRSSI,
		AllowList:     c.Scan.AllowList,
		BlockList:     c.Scan.BlockList,
	}
}

// MonitorOptions converts the monitor section. The RSSI floor is shared with scanning.
func (c *Config) MonitorOptions() *enrich.Options {
	return &enrich.Options{
		Command:       c.Monitor.Command,
		RestartDelay:  c.Monitor.RestartDelay,
		FilterMinRSSI: c.Scan.FilterMinRSSI,
	}
}

// HubOptions converts the replay size
func (c *Config) HubOptions() *hub.Options {
	return &hub.Options{ReplaySize: c.ReplaySize}
}

// ConnOptions converts the connect section
func (c *Config) ConnOptions() *connmgr.Options {
	return &connmgr.Options{
		ConnectTimeout: c.Connect.Timeout,
		RetryAttempts:  c.Connect.RetryAttempts,
	}
}

// ServerOptions converts the listener settings
func (c *Config) ServerOptions() *server.Options {
	return &server.Options{Addr: c.Listen, StaticDir: c.StaticDir}
}

// ReportOptions converts the report section
func (c *Config) ReportOptions(color bool) *report.Options {
	return &report.Options{
		Interval:     c.Report.Interval,
		SilenceAlert: c.Report.SilenceAlert,
		MaxRows:      c.Report.MaxRows,
		Color:        color,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
