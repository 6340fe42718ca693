package orchestrator

import (
	"time"

	"github.com/aixgo-dev/conductor/internal/workflow"
)

// Outcome of a single step.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StepResult is what running one step produced. Failures are values, not
// errors, so patterns decide how to react.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Agent    string         `json:"agent"`
	Outcome  Outcome        `json:"outcome"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration"`
	Attempts int            `json:"attempts,omitempty"`
	Error    string         `json:"error,omitempty"`

	Err error `json:"-"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Outcome == OutcomeOK }

// StepError records a tolerated step failure.
type StepError struct {
	StepID string `json:"step_id"`
	Agent  string `json:"agent"`
	Error  string `json:"error"`
}

// PatternResult is the outcome of a pattern executor. Which fields are set
// depends on the pattern.
type PatternResult struct {
	// Steps holds every step result in definition (or visiting) order.
	Steps []StepResult `json:"steps"`
	// Data is the accumulated workflow data (sequential, conditional, saga,
	// event-driven, map-reduce) or the merged results (fan-out/fan-in).
	Data map[string]any `json:"data,omitempty"`
	// Results holds each successful step's output keyed by step id
	// (parallel, fan-out/fan-in).
	Results map[string]map[string]any `json:"results,omitempty"`
	// Errors lists tolerated step failures.
	Errors []StepError `json:"errors,omitempty"`
	// Path lists visited step ids of a conditional walk.
	Path []string `json:"path,omitempty"`
	// MapResults holds successful map outputs in item order.
	MapResults []map[string]any `json:"map_results,omitempty"`
	// Saga is the final saga state.
	Saga *SagaState `json:"saga,omitempty"`
}

func (p *PatternResult) add(r StepResult) {
	p.Steps = append(p.Steps, r)
}

func (p *PatternResult) tolerate(r StepResult) {
	p.Errors = append(p.Errors, StepError{StepID: r.StepID, Agent: r.Agent, Error: r.Error})
}

// Step returns the result of stepID.
func (p *PatternResult) Step(stepID string) (StepResult, bool) {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepResult{}, false
}

// WorkflowResult is returned by ExecuteWorkflow.
type WorkflowResult struct {
	ExecutionID string           `json:"execution_id"`
	WorkflowID  string           `json:"workflow_id"`
	Pattern     workflow.Pattern `json:"pattern"`
	Status      workflow.Status  `json:"status"`
	Result      *PatternResult   `json:"result"`
	Duration    time.Duration    `json:"duration"`
	Cached      bool             `json:"cached,omitempty"`
}
