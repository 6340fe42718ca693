package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Statuses(t *testing.T) {
	ctx := context.Background()

	hc := NewHealthChecker("test")
	hc.RegisterCheck(PingCheck())
	assert.Equal(t, HealthStatusHealthy, hc.Check(ctx).Status)

	states := map[string]string{"detector": "closed"}
	hc.RegisterCheck(BreakerCheck(func() map[string]string { return states }))
	assert.Equal(t, HealthStatusHealthy, hc.Check(ctx).Status)

	states["detector"] = "open"
	resp := hc.Check(ctx)
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Contains(t, resp.Checks["circuit_breakers"].Message, "detector=open")

	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		Critical:  true,
		CheckFunc: func(context.Context) error { return errors.New("down") },
	})
	resp = hc.Check(ctx)
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "timed out")
}

func TestHealthChecker_Details(t *testing.T) {
	hc := NewHealthChecker("test")
	assert.Nil(t, hc.Check(context.Background()).Details)

	hc.SetDetails(func() map[string]any { return map[string]any{"running": 2} })
	assert.Equal(t, 2, hc.Check(context.Background()).Details["running"])
}

func TestServer_Routes(t *testing.T) {
	rec := NewRecorder()
	rec.AgentAttempt("detector", "detect")

	hc := NewHealthChecker("test")
	var open atomic.Bool
	hc.RegisterCheck(BreakerCheck(func() map[string]string {
		if open.Load() {
			return map[string]string{"detector": "open"}
		}
		return map[string]string{"detector": "closed"}
	}))

	ts := httptest.NewServer(NewServer(0, rec, hc).Handler())
	defer ts.Close()

	get := func(path string) (int, string) {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `conductor_agent_attempts_total{action="detect",agent="detector"} 1`)

	code, body = get("/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "alive")

	code, _ = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)

	open.Store(true)
	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, HealthStatusDegraded, resp.Status)

	code, _ = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_NoRecorder(t *testing.T) {
	ts := httptest.NewServer(NewServer(0, nil, nil).Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(0, nil, nil).Shutdown(context.Background()))
}
