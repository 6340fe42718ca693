package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/conductor/internal/workflow"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeConfig(t, strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
orchestrator:
  max_retries: 1
  backoff_unit: 250ms
  step_timeout: 5s
  circuit_breaker:
    failure_threshold: 2
    recovery_timeout: 10s
    half_open_requests: 1
  rate_limit:
    enabled: true
    default: {rps: 10, burst: 5}
    agents:
      reporter: {rps: 1, burst: 1}
cache:
  backend: memory
  max_entries: 10
agents:
  anomaly_detector:
    settings:
      threshold: 3
workflows:
  - id: quick_check
    pattern: sequential
    steps:
      - id: detect
        agent: anomaly_detector
        action: detect_anomalies
schedules:
  - name: hourly_check
    spec: "@hourly"
    workflow: quick_check
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.MaxRetries != 1 {
		t.Errorf("expected max_retries 1, got %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.Orchestrator.BackoffUnit != 250*time.Millisecond {
		t.Errorf("expected backoff 250ms, got %s", cfg.Orchestrator.BackoffUnit)
	}
	if cfg.Orchestrator.CircuitBreaker.FailureThreshold != 2 {
		t.Errorf("expected failure threshold 2, got %d", cfg.Orchestrator.CircuitBreaker.FailureThreshold)
	}
	if got := cfg.Orchestrator.RateLimit.Agents["reporter"].RPS; got != 1 {
		t.Errorf("expected reporter rps 1, got %v", got)
	}
	if cfg.Orchestrator.MaxRunning != workflow.DefaultMaxRunning {
		t.Errorf("expected default max_running to survive, got %d", cfg.Orchestrator.MaxRunning)
	}
	if cfg.Agents["anomaly_detector"].Settings["threshold"] != 3 {
		t.Errorf("expected threshold setting 3, got %v", cfg.Agents["anomaly_detector"].Settings["threshold"])
	}
	if len(cfg.Workflows) != 1 || cfg.Workflows[0].Steps[0].Action != "detect_anomalies" {
		t.Errorf("unexpected workflows: %+v", cfg.Workflows)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Workflow != "quick_check" {
		t.Errorf("unexpected schedules: %+v", cfg.Schedules)
	}
	if p := cfg.Policy(); p.MaxRetries != 1 || p.BackoffUnit != 250*time.Millisecond {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
log_level: info
invalid yaml here: [[[
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad log level", "log_level: loud\n", "invalid log_level"},
		{"negative retries", "orchestrator:\n  max_retries: -1\n", "max_retries"},
		{"unknown backend", "cache:\n  backend: memcached\n", "unknown cache backend"},
		{"redis without addr", "cache:\n  backend: redis\n", "cache.redis.addr"},
		{"bad schedule", "schedules:\n  - name: s\n    spec: nope\n    workflow: w\n", "invalid spec"},
		{"bad workflow", "workflows:\n  - id: w\n    pattern: map_reduce\n    steps: []\n", "invalid workflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_REDIS_ADDR", "redis:6379")
	t.Setenv("CONDUCTOR_METRICS_PORT", "9191")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Backend != CacheRedis || cfg.Cache.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis cache at redis:6379, got %+v", cfg.Cache)
	}
	if cfg.Observability.MetricsPort != 9191 {
		t.Errorf("expected metrics port 9191, got %d", cfg.Observability.MetricsPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.LogLevel)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Orchestrator.StepTimeout = 7 * time.Second

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Orchestrator.StepTimeout != 7*time.Second {
		t.Errorf("expected step timeout 7s, got %s", loaded.Orchestrator.StepTimeout)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "workflow", "w")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"workflow":"w"`) {
		t.Errorf("expected JSON record, got: %s", out)
	}
}
