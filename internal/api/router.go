package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleListHistory)
		r.Post("/maintenance/{kind}", s.handleRunMaintenance)
		r.Get("/order-numbers/{number}", s.handleParseOrderNumber)
	})

	return r
}

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 5 * time.Second

// Component health values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// HealthResponse is the /health body. Components maps each checked
// component to "ok" or the reason it failed.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// handleHealth checks the database (through the queue) and every
// configured component. Any failure makes the answer 503 degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     healthOK,
		Version:    s.version,
		Components: make(map[string]string, len(s.checks)+1),
	}

	check := func(name string, c Checker) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := c.HealthCheck(ctx); err != nil {
			s.logger.Warn("component unhealthy", "component", name, "error", err)
			resp.Status = healthDegraded
			resp.Components[name] = err.Error()
			return
		}
		resp.Components[name] = healthOK
	}

	check("database", s.store)
	for name, c := range s.checks {
		check(name, c)
	}

	status := http.StatusOK
	if resp.Status != healthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// QueueStatus is the queue part of StatusResponse.
type QueueStatus struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// StatusResponse describes the store as seen by the daemon.
type StatusResponse struct {
	Terminal     string      `json:"terminal"`
	Version      string      `json:"version"`
	Database     string      `json:"database"`
	State        string      `json:"state"`
	SchemaTarget string      `json:"schema_target"`
	Queue        QueueStatus `json:"queue"`
	Uptime       string      `json:"uptime"`
}

// handleStatus reports connection state and queue counters. It does not
// enqueue anything, so it answers even while a long transaction holds the
// queue.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		Terminal:     s.terminal,
		Version:      s.version,
		Database:     s.store.Path(),
		State:        stats.State.String(),
		SchemaTarget: database.TargetVersion,
		Queue: QueueStatus{
			Pending:   stats.Pending,
			Processed: stats.Processed,
			Failed:    stats.Failed,
		},
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}
