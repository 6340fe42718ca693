// Package workflow holds workflow definitions, the built-in catalog, and the
// registry of executions currently in flight.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/executor"
	"github.com/aixgo-dev/conductor/internal/graph"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is matched by every definition validation error.
var ErrInvalid = errors.New("invalid workflow definition")

// Pattern selects how a workflow's steps are coordinated.
type Pattern string

const (
	Sequential  Pattern = "sequential"
	Parallel    Pattern = "parallel"
	FanOutFanIn Pattern = "fan_out_fan_in"
	Conditional Pattern = "conditional"
	Saga        Pattern = "saga"
	MapReduce   Pattern = "map_reduce"
	EventDriven Pattern = "event_driven"
)

// Patterns lists every supported pattern.
func Patterns() []Pattern {
	return []Pattern{Sequential, Parallel, FanOutFanIn, Conditional, Saga, MapReduce, EventDriven}
}

// ErrorStrategy decides what a sequential workflow does after a failed step.
type ErrorStrategy string

const (
	StopOnError     ErrorStrategy = "stop"
	ContinueOnError ErrorStrategy = "continue"
)

// Events emitted during event-driven execution.
const (
	EventWorkflowStarted = "workflow.started"
)

// StepCompletedEvent is emitted after a step succeeds.
func StepCompletedEvent(stepID string) string { return "step." + stepID + ".completed" }

// StepFailedEvent is emitted after a step fails.
func StepFailedEvent(stepID string) string { return "step." + stepID + ".failed" }

// RetryConfig overrides the orchestrator's retry policy for one step.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	BackoffUnit time.Duration `yaml:"backoff_unit,omitempty" json:"backoff_unit,omitempty"`
	Jitter      bool          `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// Policy converts the config, falling back to base for an unset backoff unit.
func (r RetryConfig) Policy(base executor.Policy) executor.Policy {
	p := base
	p.MaxRetries = r.MaxRetries
	if r.BackoffUnit > 0 {
		p.BackoffUnit = r.BackoffUnit
	}
	p.Jitter = r.Jitter
	return p
}

// Branch routes a conditional walk to Step when the condition named by When
// holds.
type Branch struct {
	When string `yaml:"when" json:"when"`
	Step string `yaml:"step" json:"step"`
}

// Next is the successor rule of a conditional step: either a fixed Step, or
// Branches tried in order with Default as fallback. A zero Next ends the walk.
type Next struct {
	Step     string   `yaml:"step,omitempty" json:"step,omitempty"`
	Branches []Branch `yaml:"branches,omitempty" json:"branches,omitempty"`
	Default  string   `yaml:"default,omitempty" json:"default,omitempty"`
}

// UnmarshalYAML accepts either a bare step id or the full mapping.
func (n *Next) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		n.Step = value.Value
		return nil
	}
	type plain Next
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Next(p)
	return nil
}

// Targets returns every step id Next can lead to.
func (n *Next) Targets() []string {
	if n == nil {
		return nil
	}
	var out []string
	if n.Step != "" {
		out = append(out, n.Step)
	}
	for _, b := range n.Branches {
		out = append(out, b.Step)
	}
	if n.Default != "" {
		out = append(out, n.Default)
	}
	return out
}

// Step is one agent invocation inside a workflow.
type Step struct {
	ID     string       `yaml:"id" json:"id"`
	Agent  string       `yaml:"agent" json:"agent"`
	Action agent.Action `yaml:"action" json:"action"`

	// InputMapping maps workflow data keys to payload keys. Without it the
	// payload is a copy of the whole workflow data.
	InputMapping map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
	// OutputMapping maps result keys to workflow data keys. Without it
	// nothing is carried forward.
	OutputMapping map[string]string `yaml:"output_mapping,omitempty" json:"output_mapping,omitempty"`

	Conditions []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Retry      *RetryConfig  `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Compensation undoes the step in a saga. It runs on the same agent.
	Compensation agent.Action `yaml:"compensation,omitempty" json:"compensation,omitempty"`
	// Next drives conditional workflows.
	Next *Next `yaml:"next,omitempty" json:"next,omitempty"`
	// Trigger is the event that starts the step in event-driven workflows.
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// Definition describes a workflow.
type Definition struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Pattern     Pattern        `yaml:"pattern" json:"pattern"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Timeout bounds the whole execution. Zero means unbounded.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// ErrorStrategy applies to sequential and conditional workflows. Empty means stop.
	ErrorStrategy ErrorStrategy `yaml:"error_strategy,omitempty" json:"error_strategy,omitempty"`
	// CacheTTL enables result caching when positive.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
	// Predicates name condition lists usable as branch conditions.
	Predicates map[string][]Condition `yaml:"predicates,omitempty" json:"predicates,omitempty"`
}

// Step returns the step with id.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Strategy returns the effective error strategy.
func (d *Definition) Strategy() ErrorStrategy {
	if d.ErrorStrategy == "" {
		return StopOnError
	}
	return d.ErrorStrategy
}

// Branch evaluates a branch condition name: a declared predicate if one
// exists, otherwise the truthiness of the data field with that name.
func (d *Definition) Branch(when string, data map[string]any) bool {
	if conds, ok := d.Predicates[when]; ok {
		return AllHold(conds, data)
	}
	v, _ := Lookup(data, when)
	return Truthy(v)
}

// TriggerFor returns the event that starts step i in an event-driven run.
func (d *Definition) TriggerFor(i int) string {
	if t := d.Steps[i].Trigger; t != "" {
		return t
	}
	if i == 0 {
		return EventWorkflowStarted
	}
	return StepCompletedEvent(d.Steps[i-1].ID)
}

func invalid(id, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalid, id, fmt.Sprintf(format, args...))
}

// Validate checks the definition for structural errors.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	known := false
	for _, p := range Patterns() {
		if d.Pattern == p {
			known = true
			break
		}
	}
	if !known {
		return invalid(d.ID, "unsupported pattern %q", d.Pattern)
	}
	if len(d.Steps) == 0 {
		return invalid(d.ID, "at least one step is required")
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		switch {
		case s.ID == "":
			return invalid(d.ID, "step id is required")
		case seen[s.ID]:
			return invalid(d.ID, "duplicate step id %q", s.ID)
		case s.Agent == "":
			return invalid(d.ID, "step %q has no agent", s.ID)
		case s.Action == "":
			return invalid(d.ID, "step %q has no action", s.ID)
		case s.Timeout < 0:
			return invalid(d.ID, "step %q has a negative timeout", s.ID)
		case s.Retry != nil && s.Retry.MaxRetries < 0:
			return invalid(d.ID, "step %q has negative retries", s.ID)
		}
		for _, c := range s.Conditions {
			if c.Field == "" || !c.Operator.valid() {
				return invalid(d.ID, "step %q has an invalid condition %q", s.ID, c.String())
			}
		}
		seen[s.ID] = true
	}

	for name, conds := range d.Predicates {
		for _, c := range conds {
			if c.Field == "" || !c.Operator.valid() {
				return invalid(d.ID, "predicate %q has an invalid condition %q", name, c.String())
			}
		}
	}

	switch d.ErrorStrategy {
	case "", StopOnError, ContinueOnError:
	default:
		return invalid(d.ID, "unknown error strategy %q", d.ErrorStrategy)
	}

	switch d.Pattern {
	case MapReduce:
		if len(d.Steps) != 2 {
			return invalid(d.ID, "map_reduce requires exactly 2 steps, got %d", len(d.Steps))
		}
	case Conditional:
		if err := d.validateGraph(); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalid, d.ID, err)
		}
	}
	return nil
}

func (d *Definition) validateGraph() error {
	g := graph.New()
	for _, s := range d.Steps {
		if s.Next != nil {
			for _, b := range s.Next.Branches {
				if b.When == "" || b.Step == "" {
					return fmt.Errorf("step %q has a branch without condition or target", s.ID)
				}
			}
		}
		g.AddNode(s.ID, s.Next.Targets()...)
	}
	return g.Validate()
}
