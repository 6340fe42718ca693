package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Server serves /metrics and the health endpoints.
type Server struct {
	port     int
	recorder *Recorder
	health   *HealthChecker

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// NewServer creates a server on port. A nil recorder disables /metrics.
func NewServer(port int, recorder *Recorder, health *HealthChecker) *Server {
	if health == nil {
		health = NewHealthChecker("dev")
	}
	return &Server{port: port, recorder: recorder, health: health}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())
	if s.recorder != nil {
		mux.Handle("/metrics", s.recorder.Handler())
	}
	return mux
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. A server shut down before
// Start never listens.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
