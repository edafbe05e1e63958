// Package server exposes the engine over HTTP: REST endpoints for devices,
// scanning and connections, a WebSocket push stream and an SSE pull stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/hub"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/scanner"
)

// Engine is the surface the routes need
type Engine interface {
	ListDevices() []registry.Device
	StartScan() bool
	StopScan() bool
	ScanStatus() scanner.Status
	Connect(ctx context.Context, id string) (event.ConnectionDetails, error)
	Disconnect(id string) error
	SubscribePush() (*hub.PushSubscription, error)
	SubscribePull() (*hub.PullSubscription, error)
}

// Options configures the HTTP layer
type Options struct {
	Addr              string        `default:":8080"`
	StaticDir         string        // served at / when set
	WriteWait         time.Duration `default:"10s"`
	KeepAlive         time.Duration `default:"15s"`
	ReadHeaderTimeout time.Duration `default:"10s"`
	ShutdownTimeout   time.Duration `default:"5s"`
}

// Server is an http.Handler
type Server struct {
	engine   Engine
	opts     Options
	logger   *logrus.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New creates a server with every route registered
func New(engine Engine, opts *Options, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	s := &Server{
		engine: engine,
		opts:   o,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard may be served from a dev server on another origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /devices", s.handleDevices)
	s.mux.HandleFunc("POST /scan/start", s.handleScanStart)
	s.mux.HandleFunc("POST /scan/stop", s.handleScanStop)
	s.mux.HandleFunc("GET /scan/status", s.handleScanStatus)
	s.mux.HandleFunc("POST /connect/{id}", s.handleConnect)
	s.mux.HandleFunc("POST /disconnect/{id}", s.handleDisconnect)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	if s.opts.StaticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

// ServeHTTP delegates to the internal mux
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   rec.status,
		"duration": time.Since(start),
	}).Debug("HTTP request")
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /ws and /events are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.opts.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type devicesResponse struct {
	TS      int64             `json:"ts"`
	Count   int               `json:"count"`
	Devices []registry.Device `json:"devices"`
}

type scanResponse struct {
	OK             bool `json:"ok"`
	ScanningActive bool `json:"scanningActive"`
	Changed        bool `json:"changed"`
}

type connectResponse struct {
	OK     bool                     `json:"ok"`
	Device *event.ConnectionDetails `json:"device,omitempty"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devs := s.engine.ListDevices()
	s.writeJSON(w, http.StatusOK, devicesResponse{TS: event.Now(), Count: len(devs), Devices: devs})
}

func (s *Server) handleScanStart(w http.ResponseWriter, _ *http.Request) {
	changed := s.engine.StartScan()
	s.writeJSON(w, http.StatusOK, scanResponse{OK: true, ScanningActive: s.engine.ScanStatus().Active, Changed: changed})
}

func (s *Server) handleScanStop(w http.ResponseWriter, _ *http.Request) {
	changed := s.engine.StopScan()
	s.writeJSON(w, http.StatusOK, scanResponse{OK: true, ScanningActive: s.engine.ScanStatus().Active, Changed: changed})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ScanStatus())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	details, err := s.engine.Connect(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, connectResponse{OK: true, Device: &details})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.engine.Disconnect(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, connectResponse{OK: true})
}

// statusFor maps connection errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, device.ErrAlreadyConnected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{OK: false, Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection over to the WebSocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController and the WebSocket upgrader
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
