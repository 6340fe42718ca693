package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/executor"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

// SagaState tracks a saga from start to its final outcome.
type SagaState struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	CurrentStep int            `json:"current_step"`
	Steps       []SagaStep     `json:"steps"`
	Compensated []string       `json:"compensated,omitempty"`
	Data        map[string]any `json:"data"`
	Completed   bool           `json:"completed"`
	Failed      bool           `json:"failed"`
	FailedStep  string         `json:"failed_step,omitempty"`
	Error       string         `json:"error,omitempty"`

	Err error `json:"-"`
}

// SagaStep is a completed saga step and the result its compensation sees.
type SagaStep struct {
	StepID string         `json:"step_id"`
	Result map[string]any `json:"result,omitempty"`

	step *workflow.Step
}

// CompletedSteps returns the ids of completed steps in order.
func (s *SagaState) CompletedSteps() []string {
	out := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.StepID
	}
	return out
}

// runSaga runs steps in order. When one fails, the compensation action of
// every completed step runs in reverse completion order and the saga fails.
func (o *Orchestrator) runSaga(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	state := &SagaState{ID: r.executionID, Name: r.def.ID, Steps: []SagaStep{}}
	res := &PatternResult{Data: copyData(input), Saga: state}
	state.Data = res.Data

	fail := func(step *workflow.Step, err error) (*PatternResult, error) {
		state.Failed = true
		state.FailedStep = step.ID
		state.Err = err
		if err != nil {
			state.Error = err.Error()
		}
		o.compensate(context.WithoutCancel(ctx), r, input, state)
		return res, &Error{WorkflowID: r.def.ID, StepID: step.ID, Op: "saga",
			Err: fmt.Errorf("%w: %w", ErrStepFailed, &SagaError{State: state})}
	}

	for i := range r.def.Steps {
		state.CurrentStep = i
		step := &r.def.Steps[i]
		// A cancelled run stops before the next step; completed steps are
		// still compensated.
		if err := ctx.Err(); err != nil {
			res.add(StepResult{StepID: step.ID, Agent: step.Agent, Outcome: OutcomeFailed, Err: err, Error: err.Error()})
			return fail(step, err)
		}

		sr := o.executeStep(ctx, r, step, res.Data)
		res.add(sr)
		switch sr.Outcome {
		case OutcomeOK:
			applyOutput(step, sr.Data, res.Data)
			state.Steps = append(state.Steps, SagaStep{StepID: step.ID, Result: sr.Data, step: step})
		case OutcomeFailed:
			return fail(step, sr.Err)
		}
	}
	state.CurrentStep = len(r.def.Steps)
	state.Completed = true
	return res, nil
}

// compensate undoes completed steps in reverse. A step is listed as
// compensated once its compensation was attempted; failures are logged.
func (o *Orchestrator) compensate(ctx context.Context, r *run, input map[string]any, state *SagaState) {
	for _, c := range slices.Backward(state.Steps) {
		if c.step.Compensation == "" {
			continue
		}
		state.Compensated = append(state.Compensated, c.StepID)

		payload := map[string]any{
			"original_data": copyData(input),
			"step_result":   c.Result,
		}
		if err := o.runCompensation(ctx, r, c.step, payload); err != nil {
			o.logger.Error("compensation failed",
				"workflow", r.def.ID, "execution_id", r.executionID,
				"step", c.step.ID, "agent", c.step.Agent, "action", c.step.Compensation, "error", err)
			continue
		}
		o.logger.Info("step compensated",
			"workflow", r.def.ID, "execution_id", r.executionID, "step", c.step.ID, "action", c.step.Compensation)
	}
}

func (o *Orchestrator) runCompensation(ctx context.Context, r *run, step *workflow.Step, payload map[string]any) error {
	return o.breakers.Get(step.Agent).Call(ctx, func(ctx context.Context) error {
		a, err := o.resolver.GetAgent(ctx, step.Agent)
		if err != nil {
			return err
		}
		msg := agent.NewMessage(Sender, step.Agent, step.Compensation, payload, r.actx)
		_, err = executor.Invoke(ctx, a, msg, r.actx, o.timeoutFor(step))
		return err
	})
}
