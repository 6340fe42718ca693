// Package scheduler triggers workflow executions on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/orchestrator"
)

var (
	// ErrDuplicate is returned when a schedule name is already taken.
	ErrDuplicate = errors.New("schedule already exists")
	// ErrUnknown is returned by RunNow for an unknown schedule.
	ErrUnknown = errors.New("unknown schedule")
)

// Runner executes workflows. *orchestrator.Orchestrator implements it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any, actx *agent.Context) (*orchestrator.WorkflowResult, error)
}

// Schedule runs Workflow with Input whenever Spec fires. Spec uses the
// standard five-field cron syntax or a descriptor such as "@every 5m".
type Schedule struct {
	Name     string         `yaml:"name" json:"name"`
	Spec     string         `yaml:"spec" json:"spec"`
	Workflow string         `yaml:"workflow" json:"workflow"`
	Input    map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	// Timeout bounds one triggered run. Zero leaves only the workflow's own timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Validate checks the schedule fields and parses the spec.
func (s Schedule) Validate() error {
	if s.Name == "" {
		return errors.New("schedule name is required")
	}
	if s.Workflow == "" {
		return fmt.Errorf("schedule %s: workflow is required", s.Name)
	}
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", s.Name, s.Spec, err)
	}
	return nil
}

// Entry describes a registered schedule.
type Entry struct {
	Schedule
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// Scheduler owns a cron instance. Overlapping runs of one schedule are
// skipped.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	location *time.Location
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	schedules map[string]Schedule
	entries   map[string]cron.EntryID
}

// New creates a stopped scheduler.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		logger:    slog.Default(),
		location:  time.Local,
		schedules: make(map[string]Schedule),
		entries:   make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers a schedule. It may be called before or after Start.
func (s *Scheduler) Add(sc Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, sc.Name)
	}
	sc.Input = maps.Clone(sc.Input)
	id, err := s.cron.AddJob(sc.Spec, cron.FuncJob(func() { s.trigger(s.ctx, sc) }))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	s.schedules[sc.Name] = sc
	s.entries[sc.Name] = id
	return nil
}

// Remove unregisters a schedule. It reports whether it existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.schedules, name)
	return true
}

// Entries lists the schedules sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.schedules))
	for name, sc := range s.schedules {
		e := s.cron.Entry(s.entries[name])
		out = append(out, Entry{Schedule: sc, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow triggers a schedule immediately and waits for the run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	sc, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return s.trigger(ctx, sc)
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "schedules", len(s.Entries()))
}

// Stop prevents new runs, cancels running ones and waits for them to return
// or for ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) trigger(ctx context.Context, sc Schedule) error {
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	actx := agent.NewContext("", agent.WithMetadata(map[string]any{"schedule": sc.Name}))
	logger := s.logger.With("schedule", sc.Name, "workflow", sc.Workflow)
	logger.Info("scheduled workflow triggered", "investigation_id", actx.InvestigationID)

	res, err := s.runner.ExecuteWorkflow(ctx, sc.Workflow, maps.Clone(sc.Input), actx)
	if err != nil {
		logger.Error("scheduled workflow failed", "error", err)
		return err
	}
	logger.Info("scheduled workflow finished",
		"execution_id", res.ExecutionID, "status", res.Status, "duration", res.Duration, "cached", res.Cached)
	return nil
}

// cronLogger adapts slog to cron's logr-style logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
