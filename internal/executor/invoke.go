package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	tracing "github.com/aixgo-dev/conductor/internal/observability"
)

// Invoke calls a.Process bounded by timeout and turns error responses into
// *AgentError. A timeout of zero or less means no bound beyond ctx.
//
// On timeout the agent's goroutine is abandoned with a cancelled context;
// agents are expected to observe ctx.
func Invoke(ctx context.Context, a agent.Agent, msg *agent.Message, actx *agent.Context, timeout time.Duration) (resp *agent.Response, err error) {
	start := time.Now()
	ctx, span := tracing.StartAgentSpan(ctx, a.Name(), string(msg.Action), msg.ID)
	defer func() { tracing.End(span, err) }()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *agent.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("agent %s panicked: %v", a.Name(), r)}
			}
		}()
		resp, err := a.Process(callCtx, msg, actx)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Agent: a.Name(), After: timeout}
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.resp == nil {
		return nil, &AgentError{Agent: a.Name(), Action: msg.Action, Message: "nil response"}
	}
	res.resp.ProcessingTime = time.Since(start)
	if !res.resp.Succeeded() {
		return res.resp, &AgentError{Agent: a.Name(), Action: msg.Action, Message: res.resp.Error}
	}
	return res.resp, nil
}
