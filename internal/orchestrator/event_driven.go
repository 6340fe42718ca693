package orchestrator

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/aixgo-dev/conductor/internal/eventbus"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

// runEventDriven wires every step to its trigger on a bus private to this
// execution and emits workflow.started. A completed step emits
// step.<id>.completed carrying the accumulated data; a failed step emits
// step.<id>.failed. The run fails when a failure event has no listener.
// Steps whose trigger never fires are reported as skipped.
func (o *Orchestrator) runEventDriven(ctx context.Context, r *run, input map[string]any) (*PatternResult, error) {
	bus := eventbus.New(eventbus.WithLogger(o.logger))

	var mu sync.Mutex
	data := copyData(input)
	results := make(map[string]StepResult, len(r.def.Steps))
	var unhandled []error

	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		bus.OnAsync(r.def.TriggerFor(i), func(ctx context.Context, event string, _ map[string]any) error {
			mu.Lock()
			if _, ran := results[step.ID]; ran {
				mu.Unlock()
				return nil
			}
			results[step.ID] = StepResult{StepID: step.ID, Agent: step.Agent}
			snapshot := maps.Clone(data)
			mu.Unlock()

			sr := o.executeStep(ctx, r, step, snapshot)

			mu.Lock()
			results[step.ID] = sr
			if sr.Outcome == OutcomeOK {
				applyOutput(step, sr.Data, data)
			}
			payload := maps.Clone(data)
			mu.Unlock()

			switch sr.Outcome {
			case OutcomeOK:
				bus.Emit(ctx, workflow.StepCompletedEvent(step.ID), payload)
			case OutcomeFailed:
				failed := workflow.StepFailedEvent(step.ID)
				if bus.Handlers(failed) == 0 {
					mu.Lock()
					unhandled = append(unhandled, stepFailed(r.def.ID, step.ID, sr.Err))
					mu.Unlock()
				}
				payload["error"] = sr.Error
				bus.Emit(ctx, failed, payload)
			}
			return nil
		})
	}

	bus.Emit(ctx, workflow.EventWorkflowStarted, copyData(input))

	mu.Lock()
	defer mu.Unlock()
	res := &PatternResult{Data: data}
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		sr, ran := results[step.ID]
		if !ran {
			sr = StepResult{StepID: step.ID, Agent: step.Agent, Outcome: OutcomeSkipped}
		}
		res.add(sr)
		if sr.Outcome == OutcomeFailed {
			res.tolerate(sr)
		}
	}
	if err := ctx.Err(); err != nil {
		unhandled = append(unhandled, &Error{WorkflowID: r.def.ID, Op: "execute", Err: err})
	}
	if len(unhandled) > 0 {
		if len(unhandled) == 1 {
			return res, unhandled[0]
		}
		return res, errors.Join(unhandled...)
	}
	return res, nil
}
