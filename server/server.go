// Package server implements the courier HTTP server: the task REST API,
// token auth, and the SSE lifecycle stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/server/ws"
)

// Server is the courier HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	svc    *dispatch.Service
	bus    comms.Bus
	hub    *ws.Hub
	detach func()

	routesOnce sync.Once
	startTime  time.Time
	version    string
}

// New creates a new Server over svc. Lifecycle events published on bus are
// streamed to SSE clients.
func New(cfg config.Config, svc *dispatch.Service, bus comms.Bus, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = comms.NewInMemoryBus()
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		svc:       svc,
		bus:       bus,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
	s.detach = s.hub.Attach(bus)
	return s
}

// Handler returns the fully routed handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening",
		slog.String("addr", addr),
		slog.Bool("auth", s.cfg.Auth.Enabled()),
	)
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and detaches from the bus.
// Open event streams are closed first so Shutdown does not wait on them.
func (s *Server) Stop(ctx context.Context) error {
	s.detach()
	s.hub.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Service:   s.svc,
		Bus:       s.bus,
		Logger:    s.logger,
		Version:   s.version,
		StartedAt: s.startTime,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /status", h.StatusHandler())

	// Protected routes
	protected := http.NewServeMux()
	h.RegisterRoutes(protected)
	protected.HandleFunc("GET /events", s.hub.ServeSSE)

	guarded := s.authMiddleware(protected)
	s.mux.Handle("/tasks", guarded)
	s.mux.Handle("/tasks/", guarded)
	s.mux.Handle("/events", guarded)
	s.mux.Handle("/events/", guarded)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
