package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stb13579/fleetd/internal/stats"
)

// Options carries the handler dependencies for the HTTP surface. Nil
// optional dependencies leave their endpoints unregistered.
type Options struct {
	// Ready reports broker connectivity and drives /readyz.
	Ready func() bool

	Counters *stats.Counters
	Rate     *stats.RateWindow
	Vehicles VehicleCounter
	Clients  ClientCounter
	Store    TelemetryStore
	Registry VehicleRegistry

	// Stream is the live fan-out handler, mounted at StreamPath
	// (default /stream).
	Stream     http.Handler
	StreamPath string

	// System is the build description served at /system/info.
	System SystemInfo
}

// Server wraps the HTTP server and mux for the query surface.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates the API server wired with all routes.
func NewServer(port int, opts Options) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /readyz", HandleReadyz(opts.Ready))
	mux.Handle("GET /stats", HandleStats(opts.Counters, opts.Rate, opts.Vehicles, opts.Clients))
	mux.Handle("GET /system/info", HandleSystemInfo(opts.System))

	if opts.Store != nil {
		mux.Handle("GET /telemetry/summary", HandleTelemetrySummary(opts.Store))
		mux.Handle("GET /telemetry/history", HandleTelemetryHistory(opts.Store))
	}

	if opts.Registry != nil {
		mux.Handle("GET /vehicles", HandleVehicles(opts.Registry))
		mux.Handle("GET /vehicles/{id}", HandleVehicle(opts.Registry))
	}

	if opts.Stream != nil {
		path := opts.StreamPath
		if path == "" {
			path = "/stream"
		}
		mux.Handle("GET "+path, opts.Stream)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})

	handler := CORSMiddleware(GETOnlyMiddleware(mux))
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
