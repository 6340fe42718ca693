package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// HealthCheck is a single named check. A failing critical check makes the
// service unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	Details   map[string]any         `json:"details,omitempty"`
}

// CheckStatus represents the status of a health check
type CheckStatus struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// HealthChecker runs registered checks concurrently.
type HealthChecker struct {
	version string
	started time.Time

	mu      sync.RWMutex
	checks  map[string]*HealthCheck
	details func() map[string]any
}

// NewHealthChecker creates a checker reporting version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version: version,
		started: time.Now(),
		checks:  make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds or replaces a check.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultCheckTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// SetDetails installs a callback whose values are reported under "details",
// such as running executions or loaded agents.
func (hc *HealthChecker) SetDetails(fn func() map[string]any) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.details = fn
}

// Check runs every check and folds the results into one status.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	details := hc.details
	hc.mu.RUnlock()

	statuses := make([]CheckStatus, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = check.run(ctx)
		}()
	}
	wg.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}
	for i, check := range checks {
		st := statuses[i]
		resp.Checks[check.Name] = st
		resp.Status = worse(resp.Status, st.Status)
	}
	if details != nil {
		resp.Details = details()
	}
	return resp
}

func worse(a, b HealthStatus) HealthStatus {
	rank := func(s HealthStatus) int {
		switch s {
		case HealthStatusUnhealthy:
			return 2
		case HealthStatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func (check *HealthCheck) run(ctx context.Context) CheckStatus {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("check timed out after %s", check.Timeout)
	}

	st := CheckStatus{
		Status:      HealthStatusHealthy,
		Message:     "OK",
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start).String(),
	}
	if err != nil {
		st.Status = HealthStatusDegraded
		if check.Critical {
			st.Status = HealthStatusUnhealthy
		}
		st.Message = err.Error()
	}
	return st
}

// HealthHandler serves the full health report. Only an unhealthy status
// turns into a 503.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler always answers 200 while the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports ready only while every check passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status == HealthStatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck always passes.
func PingCheck() *HealthCheck {
	return &HealthCheck{
		Name:      "ping",
		CheckFunc: func(context.Context) error { return nil },
		Timeout:   time.Second,
	}
}

// BreakerCheck degrades health while any circuit breaker is not closed.
// states returns breaker states keyed by agent name.
func BreakerCheck(states func() map[string]string) *HealthCheck {
	return &HealthCheck{
		Name: "circuit_breakers",
		CheckFunc: func(context.Context) error {
			var open []string
			for name, st := range states() {
				if st != "closed" {
					open = append(open, name+"="+st)
				}
			}
			if len(open) == 0 {
				return nil
			}
			sort.Strings(open)
			return fmt.Errorf("circuit breakers not closed: %s", strings.Join(open, ", "))
		},
		Timeout: time.Second,
	}
}

// ExternalServiceCheck wraps a dependency probe, such as a cache ping, as a
// non-critical check.
func ExternalServiceCheck(name string, probe func(context.Context) error) *HealthCheck {
	return &HealthCheck{Name: name, CheckFunc: probe}
}
