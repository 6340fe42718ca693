package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/circuit"
)

// MetricsSink receives per-call counters. AgentAttempt fires for every
// attempt; AgentCompleted and AgentFailed fire once per call, the latter only
// after retries are exhausted. Implementations must be safe for concurrent use.
type MetricsSink interface {
	AgentAttempt(agentName string, action agent.Action)
	AgentCompleted(agentName string, action agent.Action, d time.Duration)
	AgentFailed(agentName string, action agent.Action, err error)
}

// Record is one entry of an executor's call history.
type Record struct {
	Message  *agent.Message
	Response *agent.Response
	Attempts int
	Err      string
}

const defaultHistorySize = 100

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithBreaker routes every attempt through b.
func WithBreaker(b *circuit.Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithMetrics sets the metrics sink.
func WithMetrics(s MetricsSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithHistorySize sets how many calls are remembered.
func WithHistorySize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithSender sets the sender name put on outgoing messages.
func WithSender(name string) Option {
	return func(e *Executor) { e.sender = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor invokes one agent with retries. It is safe for concurrent use.
type Executor struct {
	agent       agent.Agent
	policy      Policy
	breaker     *circuit.Breaker
	sink        MetricsSink
	timeout     time.Duration
	sender      string
	historySize int
	logger      *slog.Logger

	mu      sync.Mutex
	history []Record
	next    int
	full    bool
}

// New creates an executor for a.
func New(a agent.Agent, opts ...Option) *Executor {
	e := &Executor{
		agent:       a,
		policy:      DefaultPolicy(),
		sender:      "orchestrator",
		historySize: defaultHistorySize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = make([]Record, e.historySize)
	return e
}

// Agent returns the wrapped agent.
func (e *Executor) Agent() agent.Agent { return e.agent }

// Execute sends action with payload to the agent, retrying per the policy.
// On success the agent's response is returned. When every attempt fails the
// error is an *ExecutionError and the last error response, if any, is
// returned alongside it.
func (e *Executor) Execute(ctx context.Context, action agent.Action, payload map[string]any, actx *agent.Context) (*agent.Response, error) {
	if actx == nil {
		actx = agent.NewContext("")
	}
	name := e.agent.Name()
	msg := agent.NewMessage(e.sender, name, action, payload, actx)
	e.setStatus(agent.StatusThinking)

	start := time.Now()
	var resp *agent.Response
	attempts, err := e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if e.sink != nil {
			e.sink.AgentAttempt(name, action)
		}
		call := func(ctx context.Context) error {
			r, err := Invoke(ctx, e.agent, msg, actx, e.timeout)
			resp = r
			return err
		}
		var err error
		if e.breaker != nil {
			err = e.breaker.Call(ctx, call)
		} else {
			err = call(ctx)
		}
		if err != nil {
			e.logger.Debug("agent attempt failed",
				"agent", name, "action", action, "attempt", attempt, "error", err)
		}
		return err
	})
	elapsed := time.Since(start)
	if resp != nil {
		resp.ProcessingTime = elapsed
	}

	rec := Record{Message: msg, Response: resp, Attempts: attempts}
	if err != nil {
		if e.sink != nil {
			e.sink.AgentFailed(name, action, err)
		}
		rec.Err = err.Error()
		e.remember(rec)
		e.setStatus(agent.StatusError)
		e.logger.Warn("agent execution failed",
			"agent", name, "action", action, "attempt", attempts, "error", err)
		return resp, &ExecutionError{Agent: name, Action: action, Attempts: attempts, Err: err}
	}

	if e.sink != nil {
		e.sink.AgentCompleted(name, action, elapsed)
	}
	e.remember(rec)
	e.setStatus(agent.StatusCompleted)
	return resp, nil
}

// History returns remembered calls, oldest first.
func (e *Executor) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.full {
		out := make([]Record, e.next)
		copy(out, e.history[:e.next])
		return out
	}
	out := make([]Record, 0, len(e.history))
	out = append(out, e.history[e.next:]...)
	out = append(out, e.history[:e.next]...)
	return out
}

func (e *Executor) remember(r Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history[e.next] = r
	e.next++
	if e.next == len(e.history) {
		e.next = 0
		e.full = true
	}
}

func (e *Executor) setStatus(s agent.Status) {
	if sr, ok := e.agent.(agent.StatusReporter); ok {
		sr.SetStatus(s)
	}
}
