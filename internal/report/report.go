// Package report prints a periodic device summary to the console and warns
// when an active scan stops producing advertisements.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/hub"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/scanner"
	"golang.org/x/term"
)

// Source is the engine surface the reporter reads
type Source interface {
	ListDevices() []registry.Device
	ScanStatus() scanner.Status
	SubscribePull() (*hub.PullSubscription, error)
}

// Options configures the reporter
type Options struct {
	Interval     time.Duration `default:"30s"`
	SilenceAlert time.Duration `default:"15s"`
	MaxRows      int           `default:"20"`
	Color        bool
}

// Reporter is started with Run and stops with its context
type Reporter struct {
	src    Source
	out    io.Writer
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	tracker silenceTracker
}

// New creates a reporter writing to out
func New(src Source, out io.Writer, opts *Options, logger *logrus.Logger) *Reporter {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Reporter{src: src, out: out, opts: o, logger: logger}
}

// IsTerminal reports whether f is attached to a terminal; colour is only used there
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Run prints the summary every interval until ctx is cancelled
func (r *Reporter) Run(ctx context.Context) error {
	sub, err := r.src.SubscribePull()
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	defer sub.Close()

	done := groutine.Go(ctx, "report-events", func(ctx context.Context) {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			r.mu.Lock()
			r.tracker.observe(ev, time.Now())
			r.mu.Unlock()
		}
	})

	summary := time.NewTicker(r.opts.Interval)
	defer summary.Stop()
	silence := time.NewTicker(r.opts.SilenceAlert / 4)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			<-done
			return nil
		case <-summary.C:
			if err := r.PrintSummary(); err != nil {
				r.logger.WithError(err).Warn("Failed to print device summary")
			}
		case now := <-silence.C:
			r.mu.Lock()
			alert, quiet := r.tracker.check(now, r.opts.SilenceAlert)
			r.mu.Unlock()
			if alert {
				r.logger.WithField("silence", quiet.Truncate(time.Second)).
					Warn("No advertisements received while scanning; check that the adapter is powered and in range")
			}
		}
	}
}

// PrintSummary writes the current device table
func (r *Reporter) PrintSummary() error {
	status := r.src.ScanStatus()
	state := "idle"
	if status.Active {
		state = "scanning"
	}
	if _, err := fmt.Fprintf(r.out, "Devices: %d (%s)\n", status.Count, state); err != nil {
		return err
	}
	return RenderTable(r.out, r.src.ListDevices(), time.UnixMilli(event.Now()), r.opts.MaxRows, r.opts.Color)
}

// RenderTable writes devs as an aligned table, limited to maxRows entries
func RenderTable(out io.Writer, devs []registry.Device, now time.Time, maxRows int, colored bool) error {
	if len(devs) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tSTATUS\tLAST SEEN")

	shown := devs
	if maxRows > 0 && len(shown) > maxRows {
		shown = shown[:maxRows]
	}

	for _, d := range shown {
		name := "(unknown)"
		if d.LocalName != nil {
			name = truncate(*d.LocalName, 24)
		}
		services := truncate(strings.Join(d.ServiceUUIDs, ","), 30)
		if services == "" {
			services = "-"
		}
		status := "-"
		if d.ConnectionStatus != nil {
			status = *d.ConnectionStatus
		}
		lastSeen := "-"
		if d.LastSeen > 0 {
			lastSeen = now.Sub(time.UnixMilli(d.LastSeen)).Truncate(time.Second).String() + " ago"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, d.Address, rssiCell(d.LastRSSI, colored), services, status, lastSeen)
	}

	if hidden := len(devs) - len(shown); hidden > 0 {
		fmt.Fprintf(w, "... and %d more\n", hidden)
	}
	return w.Flush()
}

// rssiCell renders a reading; every colour used has an escape sequence of the
// same length so tabwriter keeps columns aligned.
func rssiCell(rssi *int, colored bool) string {
	var c *color.Color
	text := "-"
	switch {
	case rssi == nil:
		c = color.New(color.FgHiBlack)
	case *rssi >= -60:
		c = color.New(color.FgGreen)
	case *rssi >= -80:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	if rssi != nil {
		text = fmt.Sprintf("%d dBm", *rssi)
	}

	if !colored {
		return text
	}
	c.EnableColor()
	return c.Sprint(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// silenceTracker follows scan transitions and advertisement arrivals
type silenceTracker struct {
	scanning bool
	since    time.Time // scan start or last advertisement, whichever is later
	alerted  bool
}

func (t *silenceTracker) observe(ev event.Event, at time.Time) {
	switch ev.Type {
	case event.TypeScan:
		if st, ok := ev.Data.(event.ScanState); ok {
			t.scanning = st.Active
			t.since = at
			t.alerted = false
		}
	case event.TypeAdvertisement:
		t.since = at
		t.alerted = false
	}
}

// check reports once per quiet period that the scan has gone silent for longer than limit
func (t *silenceTracker) check(now time.Time, limit time.Duration) (bool, time.Duration) {
	if !t.scanning || t.alerted || t.since.IsZero() {
		return false, 0
	}
	quiet := now.Sub(t.since)
	if quiet < limit {
		return false, 0
	}
	t.alerted = true
	return true, quiet
}
