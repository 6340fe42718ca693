package orchestrator

import (
	"context"
	"maps"
	"sync"
)

// runSteps executes every step concurrently against its own copy of input and
// returns the results in step order.
func (o *Orchestrator) runSteps(ctx context.Context, r *run, input map[string]any) []StepResult {
	results := make([]StepResult, len(r.def.Steps))
	var wg sync.WaitGroup
	for i := range r.def.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.executeStep(ctx, r, &r.def.Steps[i], copyData(input))
		}(i)
	}
	wg.Wait()
	return results
}

// runParallel runs all steps at once. A failing step never affects the
// others; failures are collected in Errors.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	res := &PatternResult{Results: make(map[string]map[string]any)}
	for _, sr := range o.runSteps(ctx, r, input) {
		res.add(sr)
		switch sr.Outcome {
		case OutcomeOK:
			res.Results[sr.StepID] = sr.Data
		case OutcomeFailed:
			res.tolerate(sr)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, &Error{WorkflowID: r.def.ID, Op: "execute", Err: err}
	}
	return res, nil
}

// runFanOutFanIn runs all steps at once and shallow-merges the successful
// outputs in step order, so later steps win on key collisions.
func (o *Orchestrator) runFanOutFanIn(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	res, err := o.runParallel(ctx, r, input)
	if err != nil {
		return res, err
	}

	res.Data = make(map[string]any)
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		if out, ok := res.Results[step.ID]; ok {
			maps.Copy(res.Data, mappedOutput(step, out))
		}
	}
	return res, nil
}
