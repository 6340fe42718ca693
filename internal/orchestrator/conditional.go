package orchestrator

import (
	"context"
	"fmt"

	"github.com/aixgo-dev/conductor/internal/workflow"
)

// runConditional walks the step graph from the first step, choosing each
// successor from the data accumulated so far.
func (o *Orchestrator) runConditional(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	res := &PatternResult{Data: copyData(input)}
	if len(r.def.Steps) == 0 {
		return res, nil
	}

	visited := make(map[string]bool, len(r.def.Steps))
	current := r.def.Steps[0].ID
	for current != "" {
		step, ok := r.def.Step(current)
		if !ok {
			return res, &Error{WorkflowID: r.def.ID, StepID: current, Op: "route",
				Err: fmt.Errorf("%w: unknown step %q", ErrInvalidWorkflow, current)}
		}
		if visited[current] {
			return res, &Error{WorkflowID: r.def.ID, StepID: current, Op: "route",
				Err: fmt.Errorf("%w: step %q visited twice", ErrInvalidWorkflow, current)}
		}
		visited[current] = true
		if err := ctx.Err(); err != nil {
			return res, stepFailed(r.def.ID, current, err)
		}

		sr := o.executeStep(ctx, r, step, res.Data)
		res.add(sr)
		res.Path = append(res.Path, step.ID)
		switch sr.Outcome {
		case OutcomeOK:
			applyOutput(step, sr.Data, res.Data)
		case OutcomeFailed:
			if r.def.Strategy() == workflow.StopOnError {
				return res, stepFailed(r.def.ID, step.ID, sr.Err)
			}
			res.tolerate(sr)
		}

		current = nextStep(r.def, step.Next, res.Data)
		if current != "" {
			o.logger.Debug("conditional route", "workflow", r.def.ID, "execution_id", r.executionID, "step", step.ID, "next", current)
		}
	}
	return res, nil
}

// nextStep resolves a successor rule. An empty id ends the walk.
func nextStep(def *workflow.Definition, next *workflow.Next, data map[string]any) string {
	if next == nil {
		return ""
	}
	if next.Step != "" {
		return next.Step
	}
	for _, b := range next.Branches {
		if def.Branch(b.When, data) {
			return b.Step
		}
	}
	return next.Default
}
