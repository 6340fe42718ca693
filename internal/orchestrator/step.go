package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/executor"
	tracing "github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

// buildPayload maps data into a step payload. Without an input mapping the
// payload is a copy of data.
func buildPayload(step *workflow.Step, data map[string]any) map[string]any {
	if len(step.InputMapping) == 0 {
		return copyData(data)
	}
	payload := make(map[string]any, len(step.InputMapping))
	for from, to := range step.InputMapping {
		if v, ok := workflow.Lookup(data, from); ok {
			payload[to] = v
		}
	}
	return payload
}

// applyOutput forwards mapped result keys into data.
func applyOutput(step *workflow.Step, result, data map[string]any) {
	for from, to := range step.OutputMapping {
		if v, ok := result[from]; ok {
			data[to] = v
		}
	}
}

// mappedOutput returns the mapped part of result, or all of it when the step
// has no output mapping.
func mappedOutput(step *workflow.Step, result map[string]any) map[string]any {
	if len(step.OutputMapping) == 0 {
		return copyData(result)
	}
	out := make(map[string]any, len(step.OutputMapping))
	applyOutput(step, result, out)
	return out
}

func (o *Orchestrator) timeoutFor(step *workflow.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return o.stepTimeout
}

// policyFor returns the retry policy of step. Steps without retry settings
// make a single attempt.
func (o *Orchestrator) policyFor(step *workflow.Step) executor.Policy {
	if step.Retry != nil {
		return step.Retry.Policy(o.policy)
	}
	p := o.policy
	p.MaxRetries = 0
	return p
}

// executeStep runs one step against data. It never returns an error; the
// outcome is carried by the StepResult.
func (o *Orchestrator) executeStep(ctx context.Context, r *run, step *workflow.Step, data map[string]any) StepResult {
	res := StepResult{StepID: step.ID, Agent: step.Agent}
	logger := o.logger.With("workflow", r.def.ID, "execution_id", r.executionID, "step", step.ID, "agent", step.Agent)

	if !workflow.AllHold(step.Conditions, data) {
		res.Outcome = OutcomeSkipped
		logger.Debug("step skipped", "conditions", len(step.Conditions))
		o.stepFinished(r, res)
		return res
	}

	o.running.SetStep(r.executionID, step.ID)
	ctx, span := tracing.StartStepSpan(ctx, step.ID, step.Agent, string(step.Action))
	start := time.Now()

	payload := buildPayload(step, data)
	resp, attempts, err := o.invoke(ctx, r, step, payload)
	res.Duration = time.Since(start)
	res.Attempts = attempts
	tracing.End(span, err)

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Error = err.Error()
		logger.Warn("step failed", "attempt", attempts, "duration", res.Duration, "error", err)
	} else {
		res.Outcome = OutcomeOK
		res.Data = resp.Result
		o.metrics.recordAgent(step.Agent, resp.ProcessingTime)
		logger.Debug("step completed", "attempt", attempts, "duration", res.Duration)
	}
	o.stepFinished(r, res)
	return res
}

func (o *Orchestrator) stepFinished(r *run, res StepResult) {
	if o.sink != nil {
		o.sink.StepFinished(r.def.ID, res.StepID, string(res.Outcome), res.Duration)
	}
}

// invoke resolves the step agent and calls it through the agent's breaker,
// retrying per the step policy.
func (o *Orchestrator) invoke(ctx context.Context, r *run, step *workflow.Step, payload map[string]any) (*agent.Response, int, error) {
	breaker := o.breakers.Get(step.Agent)
	timeout := o.timeoutFor(step)
	start := time.Now()

	var resp *agent.Response
	attempts, err := o.policyFor(step).Do(ctx, func(ctx context.Context, attempt int) error {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx, step.Agent); err != nil {
				return err
			}
		}
		if o.sink != nil {
			o.sink.AgentAttempt(step.Agent, step.Action)
		}
		err := breaker.Call(ctx, func(ctx context.Context) error {
			a, err := o.resolver.GetAgent(ctx, step.Agent)
			if err != nil {
				return err
			}
			msg := agent.NewMessage(Sender, step.Agent, step.Action, payload, r.actx)
			resp, err = executor.Invoke(ctx, a, msg, r.actx, timeout)
			return err
		})
		return stepError(step, err)
	})
	if err != nil {
		if o.sink != nil {
			o.sink.AgentFailed(step.Agent, step.Action, err)
		}
		return nil, attempts, err
	}
	resp.ProcessingTime = time.Since(start)
	if o.sink != nil {
		o.sink.AgentCompleted(step.Agent, step.Action, resp.ProcessingTime)
	}
	return resp, attempts, nil
}

// stepError replaces agent timeouts with a step TimeoutError.
func stepError(step *workflow.Step, err error) error {
	var te *executor.TimeoutError
	if errors.As(err, &te) {
		return &TimeoutError{StepID: step.ID, After: te.After}
	}
	if err != nil {
		return fmt.Errorf("%s.%s: %w", step.Agent, step.Action, err)
	}
	return nil
}
