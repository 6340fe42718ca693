package orchestrator

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ItemsKey is the input key holding the map-reduce items.
const ItemsKey = "items"

// runMapReduce calls the first step once per input item, with at most
// mapConcurrency calls in flight, then feeds the successful outputs in item
// order to the second step.
func (o *Orchestrator) runMapReduce(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	if len(r.def.Steps) != 2 {
		return nil, &Error{WorkflowID: r.def.ID, Op: "execute",
			Err: fmt.Errorf("%w: map_reduce needs exactly 2 steps, got %d", ErrInvalidWorkflow, len(r.def.Steps))}
	}
	items, err := listItems(input[ItemsKey])
	if err != nil {
		return nil, &Error{WorkflowID: r.def.ID, Op: "execute", Err: err}
	}

	mapStep, reduceStep := &r.def.Steps[0], &r.def.Steps[1]
	res := &PatternResult{Data: copyData(input), MapResults: []map[string]any{}}

	mapped := make([]StepResult, len(items))
	sem := semaphore.NewWeighted(int64(o.mapConcurrency))
	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(items); j++ {
				mapped[j] = StepResult{StepID: mapStep.ID, Agent: mapStep.Agent, Outcome: OutcomeFailed, Err: err, Error: err.Error()}
			}
			break
		}
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer sem.Release(1)
			mapped[i] = o.executeStep(ctx, r, mapStep, map[string]any{"item": item})
		}(i, item)
	}
	wg.Wait()

	for _, sr := range mapped {
		res.add(sr)
		switch sr.Outcome {
		case OutcomeOK:
			res.MapResults = append(res.MapResults, mappedOutput(mapStep, sr.Data))
		case OutcomeFailed:
			res.tolerate(sr)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, stepFailed(r.def.ID, mapStep.ID, err)
	}

	reduceInput := make([]any, len(res.MapResults))
	for i, m := range res.MapResults {
		reduceInput[i] = m
	}
	sr := o.executeStep(ctx, r, reduceStep, map[string]any{"map_results": reduceInput})
	res.add(sr)
	if sr.Outcome == OutcomeFailed {
		return res, stepFailed(r.def.ID, reduceStep.ID, sr.Err)
	}
	if sr.Outcome == OutcomeOK {
		if len(reduceStep.OutputMapping) == 0 {
			res.Data["reduce_result"] = sr.Data
		} else {
			applyOutput(reduceStep, sr.Data, res.Data)
		}
	}
	return res, nil
}

// listItems accepts any slice or array. A missing value is an empty list.
func listItems(v any) ([]any, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %q must be a list, got %T", ErrInvalidInput, ItemsKey, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
