package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/aixgo-dev/conductor/internal/executor"
	"github.com/aixgo-dev/conductor/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func step(id string) Step {
	return Step{ID: id, Agent: "agent_" + id, Action: "do"}
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{"valid", Definition{ID: "w", Pattern: Sequential, Steps: []Step{step("a")}}, ""},
		{"missing id", Definition{Pattern: Sequential, Steps: []Step{step("a")}}, "id is required"},
		{"unknown pattern", Definition{ID: "w", Pattern: "pipeline", Steps: []Step{step("a")}}, "unsupported pattern"},
		{"no steps", Definition{ID: "w", Pattern: Parallel}, "at least one step"},
		{"duplicate step", Definition{ID: "w", Pattern: Parallel, Steps: []Step{step("a"), step("a")}}, "duplicate step"},
		{"no agent", Definition{ID: "w", Pattern: Parallel, Steps: []Step{{ID: "a", Action: "do"}}}, "has no agent"},
		{"no action", Definition{ID: "w", Pattern: Parallel, Steps: []Step{{ID: "a", Agent: "x"}}}, "has no action"},
		{"bad condition", Definition{ID: "w", Pattern: Sequential, Steps: []Step{
			{ID: "a", Agent: "x", Action: "do", Conditions: []Condition{{Field: "f", Operator: "like"}}},
		}}, "invalid condition"},
		{"bad strategy", Definition{ID: "w", Pattern: Sequential, Steps: []Step{step("a")}, ErrorStrategy: "ignore"}, "unknown error strategy"},
		{"map reduce one step", Definition{ID: "w", Pattern: MapReduce, Steps: []Step{step("a")}}, "exactly 2 steps"},
		{"map reduce three steps", Definition{ID: "w", Pattern: MapReduce, Steps: []Step{step("a"), step("b"), step("c")}}, "exactly 2 steps"},
		{"negative retries", Definition{ID: "w", Pattern: Sequential, Steps: []Step{
			{ID: "a", Agent: "x", Action: "do", Retry: &RetryConfig{MaxRetries: -1}},
		}}, "negative retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefinition_ValidateConditionalGraph(t *testing.T) {
	a := step("a")
	a.Next = &Next{Branches: []Branch{{When: "x", Step: "b"}}, Default: "c"}
	b := step("b")
	b.Next = &Next{Step: "c"}
	c := step("c")

	ok := Definition{ID: "w", Pattern: Conditional, Steps: []Step{a, b, c}}
	assert.NoError(t, ok.Validate())

	c.Next = &Next{Step: "a"}
	cyclic := Definition{ID: "w", Pattern: Conditional, Steps: []Step{a, b, c}}
	err := cyclic.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, graph.ErrCycle)

	c.Next = &Next{Step: "ghost"}
	unknown := Definition{ID: "w", Pattern: Conditional, Steps: []Step{a, b, c}}
	assert.ErrorIs(t, unknown.Validate(), graph.ErrUnknownNode)

	c.Next = &Next{Branches: []Branch{{Step: "a"}}}
	noWhen := Definition{ID: "w", Pattern: Conditional, Steps: []Step{a, b, c}}
	assert.ErrorIs(t, noWhen.Validate(), ErrInvalid)
}

func TestDefinition_Branch(t *testing.T) {
	d := Definition{
		Predicates: map[string][]Condition{
			"has_anomalies": {{Field: "anomalies_found", Operator: OpGt, Value: 0}},
		},
	}
	assert.True(t, d.Branch("has_anomalies", map[string]any{"anomalies_found": 2}))
	assert.False(t, d.Branch("has_anomalies", map[string]any{"anomalies_found": 0}))

	assert.True(t, d.Branch("high_risk", map[string]any{"high_risk": true}))
	assert.False(t, d.Branch("high_risk", map[string]any{"high_risk": false}))
	assert.False(t, d.Branch("high_risk", map[string]any{}))
}

func TestDefinition_TriggerFor(t *testing.T) {
	b := step("b")
	c := step("c")
	c.Trigger = StepFailedEvent("a")
	d := Definition{Steps: []Step{step("a"), b, c}}

	assert.Equal(t, EventWorkflowStarted, d.TriggerFor(0))
	assert.Equal(t, "step.a.completed", d.TriggerFor(1))
	assert.Equal(t, "step.a.failed", d.TriggerFor(2))
}

func TestDefinition_Accessors(t *testing.T) {
	d := Definition{ID: "w", Steps: []Step{step("a"), step("b")}}

	s, ok := d.Step("b")
	require.True(t, ok)
	assert.Equal(t, "agent_b", s.Agent)
	_, ok = d.Step("z")
	assert.False(t, ok)

	assert.Equal(t, StopOnError, d.Strategy())
	d.ErrorStrategy = ContinueOnError
	assert.Equal(t, ContinueOnError, d.Strategy())
}

func TestRetryConfig_Policy(t *testing.T) {
	base := executor.Policy{MaxRetries: 3, BackoffUnit: time.Second}

	p := RetryConfig{MaxRetries: 1}.Policy(base)
	assert.Equal(t, 1, p.MaxRetries)
	assert.Equal(t, time.Second, p.BackoffUnit)

	p = RetryConfig{MaxRetries: 0, BackoffUnit: time.Millisecond, Jitter: true}.Policy(base)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Millisecond, p.BackoffUnit)
	assert.True(t, p.Jitter)
}

func TestDefinition_YAML(t *testing.T) {
	src := `
id: triage
pattern: conditional
timeout: 90s
cache_ttl: 5m
predicates:
  hot:
    - field: score
      operator: gte
      value: 0.8
steps:
  - id: score
    agent: scorer
    action: score
    timeout: 5s
    retry:
      max_retries: 2
      backoff_unit: 100ms
    next:
      branches:
        - when: hot
          step: escalate
      default: close
  - id: escalate
    agent: notifier
    action: page
    next: close
  - id: close
    agent: notifier
    action: close
    conditions:
      - field: status
        operator: in
        value: [open, pending]
`
	var d Definition
	require.NoError(t, yaml.Unmarshal([]byte(src), &d))
	require.NoError(t, d.Validate())

	assert.Equal(t, Conditional, d.Pattern)
	assert.Equal(t, 90*time.Second, d.Timeout)
	assert.Equal(t, 5*time.Minute, d.CacheTTL)
	require.Len(t, d.Steps, 3)
	assert.Equal(t, 5*time.Second, d.Steps[0].Timeout)
	assert.Equal(t, 100*time.Millisecond, d.Steps[0].Retry.BackoffUnit)
	assert.Equal(t, []string{"escalate", "close"}, d.Steps[0].Next.Targets())
	assert.Equal(t, "close", d.Steps[1].Next.Step)

	assert.True(t, d.Branch("hot", map[string]any{"score": 0.9}))
	assert.True(t, d.Steps[2].Conditions[0].Evaluate(map[string]any{"status": "pending"}))
}

func TestBuiltins(t *testing.T) {
	defs := Builtins()
	c, err := NewCatalog(defs...)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Len())

	patterns := make(map[Pattern]bool)
	for _, d := range c.List() {
		patterns[d.Pattern] = true
	}
	for _, p := range Patterns() {
		assert.True(t, patterns[p], "no built-in workflow for %s", p)
	}

	d, ok := c.Get("default_investigation")
	require.True(t, ok)
	assert.Equal(t, Sequential, d.Pattern)
	assert.Equal(t, []string{"detect", "analyze", "report"}, stepIDs(d))

	// Builtins returns fresh copies.
	defs[0].Steps[0].ID = "changed"
	assert.Equal(t, "detect", Builtins()[0].Steps[0].ID)
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	assert.Error(t, c.Register(nil))
	assert.True(t, errors.Is(c.Register(&Definition{ID: "bad"}), ErrInvalid))

	require.NoError(t, c.Register(&Definition{ID: "b", Pattern: Parallel, Steps: []Step{step("x")}}))
	require.NoError(t, c.Register(&Definition{ID: "a", Pattern: Parallel, Steps: []Step{step("x")}}))
	require.NoError(t, c.Register(&Definition{ID: "a", Name: "replaced", Pattern: Sequential, Steps: []Step{step("y")}}))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "replaced", list[0].Name)
	assert.Equal(t, "b", list[1].Name)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	_, err = NewCatalog(&Definition{ID: "bad"})
	assert.Error(t, err)
}

func stepIDs(d *Definition) []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = s.ID
	}
	return out
}
