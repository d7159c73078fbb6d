// Package admin exposes the realtime layer's observability surface over
// HTTP: connection status, the metrics snapshot with audited reset, and the
// prometheus scrape endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/opencivic/realtime"
	"github.com/opencivic/realtime/cfg"
	"github.com/opencivic/realtime/telemetry"
)

// Manager is the slice of the connection manager the admin surface reads.
type Manager interface {
	Status() realtime.ConnectionState
	MetricsSnapshot() telemetry.Snapshot
	ResetMetrics() telemetry.Snapshot
	SubscriptionCount() int
	PrometheusHandler() http.Handler
}

// Server serves the admin endpoints on a dedicated listener.
type Server struct {
	conf    cfg.AdminConfiguration
	manager Manager
	srv     *http.Server
}

func NewServer(conf cfg.AdminConfiguration, manager Manager) *Server {
	s := &Server{conf: conf, manager: manager}
	s.srv = &http.Server{
		Addr:         net.JoinHostPort(conf.BindAddress, fmt.Sprintf("%d", conf.Port)),
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Post("/stats/reset", s.handleStatsReset)
	r.Get("/metrics", s.handleMetrics)

	return r
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin server failed to listen on %s: %w", s.srv.Addr, err)
	}

	log.Info().Str("address", s.srv.Addr).Msg("Admin server listening")

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped unexpectedly")
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	UptimeMS      int64  `json:"uptime_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.MetricsSnapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		State:         s.manager.Status().String(),
		Subscriptions: s.manager.SubscriptionCount(),
		UptimeMS:      snap.ConnectionUptime.Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.MetricsSnapshot())
}

// handleStatsReset zeroes the counters and returns the pre-reset snapshot,
// so the caller keeps an audit record of what was discarded.
func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	prev := s.manager.ResetMetrics()
	log.Info().Uint64("discarded_events", prev.TotalEvents).Msg("Metrics reset via admin endpoint")
	writeJSON(w, http.StatusOK, prev)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h := s.manager.PrometheusHandler()
	if h == nil {
		http.Error(w, "telemetry disabled", http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}
