package orchestrator

import (
	"context"

	"github.com/aixgo-dev/conductor/internal/workflow"
)

// runSequential runs steps in order. Each step sees the data accumulated by
// the output mappings of the steps before it.
func (o *Orchestrator) runSequential(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	res := &PatternResult{Data: copyData(input)}

	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		if err := ctx.Err(); err != nil {
			return res, stepFailed(r.def.ID, step.ID, err)
		}

		sr := o.executeStep(ctx, r, step, res.Data)
		res.add(sr)
		switch sr.Outcome {
		case OutcomeOK:
			applyOutput(step, sr.Data, res.Data)
		case OutcomeFailed:
			if r.def.Strategy() == workflow.StopOnError {
				return res, stepFailed(r.def.ID, step.ID, sr.Err)
			}
			res.tolerate(sr)
		}
	}
	return res, nil
}
