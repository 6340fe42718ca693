// Package orchestrator runs workflow definitions against agents resolved by
// name. It owns the circuit breakers, the running-execution registry and the
// in-process metrics; each workflow pattern has its own executor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/circuit"
	"github.com/aixgo-dev/conductor/internal/executor"
	tracing "github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

const (
	// DefaultStepTimeout bounds a step without its own timeout.
	DefaultStepTimeout = 30 * time.Second
	// DefaultMapConcurrency bounds concurrent map invocations.
	DefaultMapConcurrency = 8
	// Sender is the sender name on messages built by the orchestrator.
	Sender = "orchestrator"
)

// ResultCache stores serialized workflow results. pkg/cache implements it.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// KeyFunc derives a cache key from a workflow id and its input.
type KeyFunc func(workflowID string, input map[string]any) (string, error)

// RateLimiter throttles invocations per agent.
type RateLimiter interface {
	Wait(ctx context.Context, agentName string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsSink forwards orchestration events to s.
func WithMetricsSink(s MetricsSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithResultCache enables caching for workflows with a cache TTL.
func WithResultCache(c ResultCache, key KeyFunc) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheKey = key
	}
}

// WithRateLimiter throttles agent invocations.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithStepTimeout sets the timeout for steps that declare none.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithMapConcurrency bounds concurrent map invocations in map-reduce runs.
func WithMapConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.mapConcurrency = n
		}
	}
}

// WithBreakerConfig sets the configuration of per-agent breakers.
func WithBreakerConfig(c circuit.Config) Option {
	return func(o *Orchestrator) { o.breakerConfig = c }
}

// WithMaxRunning bounds concurrently running workflows.
func WithMaxRunning(n int) Option {
	return func(o *Orchestrator) { o.maxRunning = n }
}

// WithPolicy sets the retry policy of ExecuteAgent and the backoff base of
// step retries.
func WithPolicy(p executor.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock overrides the breaker clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type patternFunc func(ctx context.Context, r *run, input map[string]any) (*PatternResult, error)

// Orchestrator executes workflows. It is safe for concurrent use.
type Orchestrator struct {
	resolver agent.Resolver
	catalog  *workflow.Catalog

	logger         *slog.Logger
	sink           MetricsSink
	cache          ResultCache
	cacheKey       KeyFunc
	limiter        RateLimiter
	stepTimeout    time.Duration
	mapConcurrency int
	breakerConfig  circuit.Config
	maxRunning     int
	policy         executor.Policy
	now            func() time.Time

	breakers *circuit.Set
	running  *workflow.Registry
	metrics  *Metrics
	patterns map[workflow.Pattern]patternFunc

	mu        sync.Mutex
	executors map[string]*executor.Executor
}

// New creates an orchestrator over the agents of resolver and the workflows
// of catalog. A nil catalog starts empty.
func New(resolver agent.Resolver, catalog *workflow.Catalog, opts ...Option) *Orchestrator {
	if catalog == nil {
		catalog, _ = workflow.NewCatalog()
	}
	o := &Orchestrator{
		resolver:       resolver,
		catalog:        catalog,
		logger:         slog.Default(),
		stepTimeout:    DefaultStepTimeout,
		mapConcurrency: DefaultMapConcurrency,
		breakerConfig:  circuit.DefaultConfig(),
		maxRunning:     workflow.DefaultMaxRunning,
		policy:         executor.DefaultPolicy(),
		metrics:        newMetrics(),
		executors:      make(map[string]*executor.Executor),
	}
	for _, opt := range opts {
		opt(o)
	}

	breakerOpts := []circuit.Option{circuit.OnTransition(o.onTransition)}
	if o.now != nil {
		breakerOpts = append(breakerOpts, circuit.WithClock(o.now))
	}
	o.breakers = circuit.NewSet(o.breakerConfig, breakerOpts...)
	o.running = workflow.NewRegistry(o.maxRunning)
	o.patterns = map[workflow.Pattern]patternFunc{
		workflow.Sequential:  o.runSequential,
		workflow.Parallel:    o.runParallel,
		workflow.FanOutFanIn: o.runFanOutFanIn,
		workflow.Conditional: o.runConditional,
		workflow.Saga:        o.runSaga,
		workflow.MapReduce:   o.runMapReduce,
		workflow.EventDriven: o.runEventDriven,
	}
	return o
}

func (o *Orchestrator) onTransition(name string, from, to circuit.State) {
	o.logger.Warn("circuit breaker transition", "agent", name, "from", from, "to", to)
	if obs, ok := o.sink.(breakerObserver); ok {
		obs.BreakerTransition(name, string(from), string(to))
	}
}

// Catalog returns the workflow catalog.
func (o *Orchestrator) Catalog() *workflow.Catalog { return o.catalog }

// RegisterWorkflow validates and adds a definition to the catalog.
func (o *Orchestrator) RegisterWorkflow(d *workflow.Definition) error {
	return o.catalog.Register(d)
}

// Workflows lists the registered definitions sorted by id.
func (o *Orchestrator) Workflows() []*workflow.Definition { return o.catalog.List() }

// Running lists executions that have not finished.
func (o *Orchestrator) Running() []workflow.Execution { return o.running.List() }

// Breaker returns the breaker guarding agentName.
func (o *Orchestrator) Breaker(agentName string) *circuit.Breaker { return o.breakers.Get(agentName) }

// Metrics returns a snapshot of the orchestrator's metrics.
func (o *Orchestrator) Metrics() MetricsSnapshot { return o.metrics.Snapshot() }

// Stats is the combined view reported by the CLI and health checks.
type Stats struct {
	Metrics  MetricsSnapshot          `json:"metrics"`
	Breakers map[string]circuit.State `json:"breakers"`
	Running  []workflow.Execution     `json:"running"`
	Agents   []agent.Info             `json:"agents"`
}

// Stats returns metrics, breaker states, running executions and agents.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Metrics:  o.metrics.Snapshot(),
		Breakers: o.breakers.States(),
		Running:  o.running.List(),
		Agents:   o.resolver.AvailableAgents(),
	}
}

// BreakerStates returns breaker states keyed by agent name as strings.
func (o *Orchestrator) BreakerStates() map[string]string {
	states := o.breakers.States()
	out := make(map[string]string, len(states))
	for name, s := range states {
		out[name] = string(s)
	}
	return out
}

// run is the per-execution state shared by pattern executors.
type run struct {
	def         *workflow.Definition
	executionID string
	actx        *agent.Context
}

// ExecuteWorkflow runs the workflow workflowID with input. actx may be nil, in
// which case a fresh investigation context is created.
//
// When the workflow started but failed, the returned result is non-nil and
// holds the partial outcome next to the error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any, actx *agent.Context) (*WorkflowResult, error) {
	def, ok := o.catalog.Get(workflowID)
	if !ok {
		o.metrics.recordWorkflow("", 0, false)
		if o.sink != nil {
			o.sink.WorkflowRejected(workflowID, "")
		}
		return nil, &Error{WorkflowID: workflowID, Op: "lookup", Err: ErrUnknownWorkflow}
	}
	fn, ok := o.patterns[def.Pattern]
	if !ok {
		o.metrics.recordWorkflow(def.Pattern, 0, false)
		return nil, &Error{WorkflowID: workflowID, Op: "lookup", Err: fmt.Errorf("%w: %s", ErrUnsupportedPattern, def.Pattern)}
	}

	if input == nil {
		input = make(map[string]any)
	}
	if actx == nil {
		actx = agent.NewContext("")
	}
	pattern := string(def.Pattern)

	cacheKey := o.lookupKey(def, input)
	if cached := o.cached(ctx, def, cacheKey); cached != nil {
		o.metrics.recordWorkflow(def.Pattern, 0, true)
		return cached, nil
	}

	exec, err := o.running.Start(workflowID)
	if err != nil {
		o.metrics.recordWorkflow(def.Pattern, 0, false)
		if o.sink != nil {
			o.sink.WorkflowRejected(workflowID, pattern)
		}
		return nil, &Error{WorkflowID: workflowID, Op: "start", Err: err}
	}

	logger := o.logger.With("workflow", workflowID, "execution_id", exec.ID)
	logger.Info("workflow started", "pattern", pattern, "steps", len(def.Steps))
	if o.sink != nil {
		o.sink.WorkflowStarted(workflowID, pattern)
	}

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	runCtx, span := tracing.StartWorkflowSpan(runCtx, workflowID, pattern, exec.ID)

	start := time.Now()
	res, err := fn(runCtx, &run{def: def, executionID: exec.ID, actx: actx}, input)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = &Error{
			WorkflowID: workflowID,
			Op:         "execute",
			Err:        fmt.Errorf("exceeded workflow timeout %s: %w", def.Timeout, errors.Join(context.DeadlineExceeded, err)),
		}
	}
	tracing.End(span, err)

	finished, _ := o.running.Finish(exec.ID, err)
	o.metrics.recordWorkflow(def.Pattern, elapsed, err == nil)
	if o.sink != nil {
		o.sink.WorkflowFinished(workflowID, pattern, string(finished.Status), elapsed)
	}

	out := &WorkflowResult{
		ExecutionID: exec.ID,
		WorkflowID:  workflowID,
		Pattern:     def.Pattern,
		Status:      finished.Status,
		Result:      res,
		Duration:    elapsed,
	}
	if err != nil {
		logger.Error("workflow failed", "duration", elapsed, "error", err)
		return out, err
	}
	logger.Info("workflow completed", "duration", elapsed)
	o.store(ctx, def, cacheKey, out)
	return out, nil
}

func (o *Orchestrator) lookupKey(def *workflow.Definition, input map[string]any) string {
	if o.cache == nil || o.cacheKey == nil || def.CacheTTL <= 0 {
		return ""
	}
	key, err := o.cacheKey(def.ID, input)
	if err != nil {
		o.logger.Warn("result cache key failed", "workflow", def.ID, "error", err)
		return ""
	}
	return key
}

func (o *Orchestrator) cached(ctx context.Context, def *workflow.Definition, key string) *WorkflowResult {
	if key == "" {
		return nil
	}
	raw, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("result cache lookup failed", "workflow", def.ID, "error", err)
		return nil
	}
	if o.sink != nil {
		o.sink.CacheLookup(def.ID, ok)
	}
	if !ok {
		return nil
	}
	var res WorkflowResult
	if err := json.Unmarshal(raw, &res); err != nil {
		o.logger.Warn("result cache entry unreadable", "workflow", def.ID, "error", err)
		return nil
	}
	res.Cached = true
	o.logger.Debug("workflow served from cache", "workflow", def.ID, "execution_id", res.ExecutionID)
	return &res
}

func (o *Orchestrator) store(ctx context.Context, def *workflow.Definition, key string, res *WorkflowResult) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("result cache encode failed", "workflow", def.ID, "error", err)
		return
	}
	if err := o.cache.Set(ctx, key, raw, def.CacheTTL); err != nil {
		o.logger.Warn("result cache store failed", "workflow", def.ID, "error", err)
	}
}

// ExecuteAgent runs a single action on agentName through its breaker and the
// orchestrator's retry policy.
func (o *Orchestrator) ExecuteAgent(ctx context.Context, agentName string, action agent.Action, payload map[string]any, actx *agent.Context) (*agent.Response, error) {
	if actx == nil {
		actx = agent.NewContext("")
	}
	breaker := o.breakers.Get(agentName)

	// Resolution is not a call of its own: success leaves the breaker alone
	// and a failure is recorded as one failed call.
	a, err := o.resolver.GetAgent(ctx, agentName)
	if err != nil {
		if cerr := breaker.Call(ctx, func(context.Context) error { return err }); cerr != nil {
			err = cerr
		}
		return nil, fmt.Errorf("resolve agent %s: %w", agentName, err)
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, agentName); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", agentName, err)
		}
	}

	resp, err := o.executorFor(a, breaker).Execute(ctx, action, payload, actx)
	if err == nil {
		o.metrics.recordAgent(agentName, resp.ProcessingTime)
	}
	return resp, err
}

func (o *Orchestrator) executorFor(a agent.Agent, breaker *circuit.Breaker) *executor.Executor {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ex, ok := o.executors[a.Name()]; ok && ex.Agent() == a {
		return ex
	}
	opts := []executor.Option{
		executor.WithPolicy(o.policy),
		executor.WithBreaker(breaker),
		executor.WithTimeout(o.stepTimeout),
		executor.WithSender(Sender),
		executor.WithLogger(o.logger),
	}
	if o.sink != nil {
		opts = append(opts, executor.WithMetrics(o.sink))
	}
	ex := executor.New(a, opts...)
	o.executors[a.Name()] = ex
	return ex
}

// History returns the call history ExecuteAgent kept for agentName.
func (o *Orchestrator) History(agentName string) []executor.Record {
	o.mu.Lock()
	ex, ok := o.executors[agentName]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return ex.History()
}

func copyData(data map[string]any) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}
