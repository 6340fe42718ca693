// Package observability exposes Prometheus metrics, health checks and the
// HTTP server that serves them.
package observability

import (
	"net/http"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Recorder owns a Prometheus registry and records orchestration metrics
// into it. It satisfies the metrics sinks of the executor and the
// orchestrator.
type Recorder struct {
	registry *prometheus.Registry

	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowsRunning prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	agentAttempts *prometheus.CounterVec
	agentCalls    *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec
}

// NewRecorder creates a recorder with a private registry. Go runtime and
// process collectors are registered alongside the orchestration metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by outcome",
		}, []string{"workflow", "pattern", "status"}),

		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "pattern"}),

		workflowsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Number of workflow executions in flight",
		}),

		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of workflow steps by outcome",
		}, []string{"workflow", "step", "outcome"}),

		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "step"}),

		agentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_attempts_total",
			Help:      "Total number of agent invocation attempts, retries included",
		}, []string{"agent", "action"}),

		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of finished agent invocation attempts by result",
		}, []string{"agent", "action", "result"}),

		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Successful agent invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "action"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 half_open, 2 open)",
		}, []string{"agent"}),

		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per agent",
		}, []string{"agent", "to"}),

		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Workflow result cache lookups by result",
		}, []string{"workflow", "result"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.workflowsTotal,
		r.workflowDuration,
		r.workflowsRunning,
		r.stepsTotal,
		r.stepDuration,
		r.agentAttempts,
		r.agentCalls,
		r.agentDuration,
		r.breakerState,
		r.breakerTransitions,
		r.cacheRequests,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// WorkflowStarted counts a workflow as in flight.
func (r *Recorder) WorkflowStarted(workflowID, pattern string) {
	r.workflowsRunning.Inc()
}

// WorkflowFinished records the outcome of a started workflow.
func (r *Recorder) WorkflowFinished(workflowID, pattern, status string, d time.Duration) {
	r.workflowsRunning.Dec()
	r.workflowsTotal.WithLabelValues(workflowID, pattern, status).Inc()
	r.workflowDuration.WithLabelValues(workflowID, pattern).Observe(d.Seconds())
}

// WorkflowRejected records a workflow that failed before it started.
func (r *Recorder) WorkflowRejected(workflowID, pattern string) {
	r.workflowsTotal.WithLabelValues(workflowID, pattern, "rejected").Inc()
}

// StepFinished records one step outcome.
func (r *Recorder) StepFinished(workflowID, stepID, outcome string, d time.Duration) {
	r.stepsTotal.WithLabelValues(workflowID, stepID, outcome).Inc()
	if outcome != "skipped" {
		r.stepDuration.WithLabelValues(workflowID, stepID).Observe(d.Seconds())
	}
}

// CacheLookup records a result cache hit or miss.
func (r *Recorder) CacheLookup(workflowID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheRequests.WithLabelValues(workflowID, result).Inc()
}

// AgentAttempt counts one invocation attempt.
func (r *Recorder) AgentAttempt(agentName string, action agent.Action) {
	r.agentAttempts.WithLabelValues(agentName, string(action)).Inc()
}

// AgentCompleted records a successful attempt.
func (r *Recorder) AgentCompleted(agentName string, action agent.Action, d time.Duration) {
	r.agentCalls.WithLabelValues(agentName, string(action), "success").Inc()
	r.agentDuration.WithLabelValues(agentName, string(action)).Observe(d.Seconds())
}

// AgentFailed records a failed attempt.
func (r *Recorder) AgentFailed(agentName string, action agent.Action, err error) {
	r.agentCalls.WithLabelValues(agentName, string(action), "failure").Inc()
}

// BreakerTransition tracks breaker state changes. Its signature matches
// circuit.Transition once the states are converted to strings.
func (r *Recorder) BreakerTransition(agentName, from, to string) {
	r.breakerState.WithLabelValues(agentName).Set(breakerValue(to))
	r.breakerTransitions.WithLabelValues(agentName, to).Inc()
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	}
	return 0
}
