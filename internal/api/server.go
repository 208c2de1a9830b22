package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown. A backup in progress can take a while.
const gracefulShutdownTimeout = 30 * time.Second

// Checker reports whether a dependency is usable. store.Manager and the
// MQTT and InfluxDB clients implement it.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Store is the part of store.Manager the status and health endpoints use.
type Store interface {
	Checker
	Stats() store.Stats
	Path() string
}

// History lists recorded maintenance runs. audit.Repository implements it.
type History interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Maintenance runs on-demand jobs. maintenance.Scheduler implements it.
type Maintenance interface {
	RunBackup(ctx context.Context) maintenance.Result
	RunIntegrity(ctx context.Context) maintenance.Result
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Terminal    string
	Logger      *slog.Logger
	Store       Store
	History     History     // optional
	Maintenance Maintenance // optional
	Version     string

	// Checks are further components reported by /health, keyed by name.
	// The database is always checked through Store.
	Checks map[string]Checker
}

// Server is the HTTP API server.
type Server struct {
	cfg         config.APIConfig
	terminal    string
	logger      *slog.Logger
	store       Store
	history     History
	maintenance Maintenance
	checks      map[string]Checker
	version     string
	started     time.Time

	server   *http.Server
	listener net.Listener
}

// New creates a new API server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Server{
		cfg:         deps.Config,
		terminal:    deps.Terminal,
		logger:      logger.With("component", "api"),
		store:       deps.Store,
		history:     deps.History,
		maintenance: deps.Maintenance,
		checks:      deps.Checks,
		version:     deps.Version,
		started:     time.Now(),
	}, nil
}

// Start binds the listener and serves in the background. Binding errors
// (port in use, bad host) are returned here rather than logged later.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
