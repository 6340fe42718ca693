package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/conductor/internal/executor"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

// MetricsSink receives orchestration events for an external metrics system.
type MetricsSink interface {
	executor.MetricsSink

	WorkflowStarted(workflowID, pattern string)
	WorkflowFinished(workflowID, pattern, status string, d time.Duration)
	WorkflowRejected(workflowID, pattern string)
	StepFinished(workflowID, stepID, outcome string, d time.Duration)
	CacheLookup(workflowID string, hit bool)
}

// breakerObserver is implemented by sinks that track breaker transitions.
type breakerObserver interface {
	BreakerTransition(agentName, from, to string)
}

// agentWindow is the number of durations kept per agent.
const agentWindow = 1000

// Metrics are the orchestrator's own counters. They live as long as the
// orchestrator and are never reset.
type Metrics struct {
	mu             sync.Mutex
	total          int64
	successful     int64
	failed         int64
	totalDuration  time.Duration
	agentDurations map[string][]time.Duration
	patternUsage   map[workflow.Pattern]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		agentDurations: make(map[string][]time.Duration),
		patternUsage:   make(map[workflow.Pattern]int64),
	}
}

func (m *Metrics) recordWorkflow(p workflow.Pattern, d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if ok {
		m.successful++
	} else {
		m.failed++
	}
	m.totalDuration += d
	if p != "" {
		m.patternUsage[p]++
	}
}

func (m *Metrics) recordAgent(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.agentDurations[name], d)
	if len(window) > agentWindow {
		window = window[len(window)-agentWindow:]
	}
	m.agentDurations[name] = window
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TotalExecutions      int64                    `json:"total_executions"`
	SuccessfulExecutions int64                    `json:"successful_executions"`
	FailedExecutions     int64                    `json:"failed_executions"`
	SuccessRate          float64                  `json:"success_rate"`
	TotalDuration        time.Duration            `json:"total_duration"`
	AverageDuration      time.Duration            `json:"average_duration"`
	AgentAverages        map[string]time.Duration `json:"agent_averages"`
	AgentSamples         map[string]int           `json:"agent_samples"`
	PatternUsage         map[string]int64         `json:"pattern_usage"`
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		TotalExecutions:      m.total,
		SuccessfulExecutions: m.successful,
		FailedExecutions:     m.failed,
		TotalDuration:        m.totalDuration,
		AgentAverages:        make(map[string]time.Duration, len(m.agentDurations)),
		AgentSamples:         make(map[string]int, len(m.agentDurations)),
		PatternUsage:         make(map[string]int64, len(m.patternUsage)),
	}
	if m.total > 0 {
		s.SuccessRate = float64(m.successful) / float64(m.total)
		s.AverageDuration = m.totalDuration / time.Duration(m.total)
	}
	for name, ds := range m.agentDurations {
		var sum time.Duration
		for _, d := range ds {
			sum += d
		}
		s.AgentAverages[name] = sum / time.Duration(len(ds))
		s.AgentSamples[name] = len(ds)
	}
	for p, n := range m.patternUsage {
		s.PatternUsage[string(p)] = n
	}
	return s
}

// AgentNames returns agents with recorded durations, sorted.
func (s MetricsSnapshot) AgentNames() []string {
	names := make([]string, 0, len(s.AgentAverages))
	for n := range s.AgentAverages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
