// Package health provides the liveness, readiness and metrics endpoints.
//
// Docker and Kubernetes probe /healthz for liveness and /readyz for
// readiness. The daemon is ready once its transports are up and every
// readiness check passes, e.g. the synthesis engine reached Ready.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports whether one dependency is ready.
type Check func() bool

// Server is a lightweight HTTP server that exposes /healthz, /readyz and,
// when configured, /metrics.
type Server struct {
	port    int
	logger  *slog.Logger
	started atomic.Bool

	mu      sync.RWMutex
	checks  map[string]Check
	metrics http.Handler
	server  *http.Server
}

// New creates a new health check server.
func New(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, logger: logger, checks: make(map[string]Check)}
}

// SetReady marks the daemon's transports as started.
func (s *Server) SetReady(ready bool) {
	s.started.Store(ready)
}

// AddCheck registers a named readiness check.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

// SetMetrics exposes h at /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = h
}

// Handler returns the health mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, checks := s.evaluate()
		if !ready {
			writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": checks})
			return
		}
		writeStatus(w, http.StatusOK, map[string]any{"status": "ok", "checks": checks})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		h := s.metrics
		s.mu.RUnlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
	return mux
}

func (s *Server) evaluate() (bool, map[string]bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ready := s.started.Load()
	results := map[string]bool{"transports": ready}
	for name, c := range s.checks {
		ok := c()
		results[name] = ok
		ready = ready && ok
	}
	return ready, results
}

func writeStatus(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
