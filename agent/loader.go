package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aixgo-dev/conductor/internal/graph"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Factory constructs an agent. It is called at most once per registration
// unless construction fails.
type Factory func(ctx context.Context) (Agent, error)

// ErrAlreadyRegistered is returned when a name is registered twice.
var ErrAlreadyRegistered = errors.New("agent already registered")

type registration struct {
	name         string
	capabilities []string
	dependsOn    []string
	factory      Factory
	agent        Agent
}

// LazyLoader is a Resolver that constructs agents on first use.
//
// Concurrent GetAgent calls for the same name share one construction, and an
// agent's Initialize runs exactly once before it is handed out. Agents may
// declare dependencies on other agents; InitializeAll and Shutdown honour
// them. LazyLoader is safe for concurrent use.
type LazyLoader struct {
	mu      sync.RWMutex
	entries map[string]*registration
	order   []string

	group  singleflight.Group
	logger *slog.Logger
}

// LoaderOption configures a LazyLoader.
type LoaderOption func(*LazyLoader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(ll *LazyLoader) {
		if l != nil {
			ll.logger = l
		}
	}
}

// NewLazyLoader creates an empty loader.
func NewLazyLoader(opts ...LoaderOption) *LazyLoader {
	l := &LazyLoader{
		entries: make(map[string]*registration),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a factory under name. Capabilities are declared up front so
// agent selection works before anything is constructed.
func (l *LazyLoader) Register(name string, capabilities []string, factory Factory, dependsOn ...string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("agent %s: factory cannot be nil", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	l.entries[name] = &registration{
		name:         name,
		capabilities: slices.Clone(capabilities),
		dependsOn:    slices.Clone(dependsOn),
		factory:      factory,
	}
	l.order = append(l.order, name)
	return nil
}

// RegisterAgent registers an already constructed agent. It is still
// initialized lazily on first use.
func (l *LazyLoader) RegisterAgent(a Agent, dependsOn ...string) error {
	if a == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	return l.Register(a.Name(), a.Capabilities(), func(context.Context) (Agent, error) {
		return a, nil
	}, dependsOn...)
}

// GetAgent returns the named agent, constructing and initializing it on the
// first call.
func (l *LazyLoader) GetAgent(ctx context.Context, name string) (Agent, error) {
	l.mu.RLock()
	reg, ok := l.entries[name]
	var loaded Agent
	if ok {
		loaded = reg.agent
	}
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if loaded != nil {
		return loaded, nil
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		l.mu.RLock()
		existing := reg.agent
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		a, err := reg.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("construct agent %s: %w", name, err)
		}
		if a == nil {
			return nil, fmt.Errorf("construct agent %s: factory returned nil", name)
		}
		if err := a.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize agent %s: %w", name, err)
		}

		l.mu.Lock()
		reg.agent = a
		l.mu.Unlock()

		l.logger.Debug("agent loaded", "agent", name)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Agent), nil
}

// AvailableAgents lists registrations in registration order.
func (l *LazyLoader) AvailableAgents() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Info, 0, len(l.order))
	for _, name := range l.order {
		reg := l.entries[name]
		out = append(out, Info{
			Name:         reg.name,
			Capabilities: slices.Clone(reg.capabilities),
			DependsOn:    slices.Clone(reg.dependsOn),
			Loaded:       reg.agent != nil,
		})
	}
	return out
}

func (l *LazyLoader) levels() ([][]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	g := graph.New()
	for _, name := range l.order {
		g.AddNode(name, l.entries[name].dependsOn...)
	}
	return g.Levels()
}

// InitializeAll loads every registered agent. Agents are loaded in
// dependency levels; agents within one level load concurrently and a level
// starts only after the previous one finished.
func (l *LazyLoader) InitializeAll(ctx context.Context) error {
	levels, err := l.levels()
	if err != nil {
		return fmt.Errorf("agent dependency graph: %w", err)
	}

	for idx, level := range levels {
		l.logger.Debug("initializing agent level", "level", idx, "agents", level)

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			g.Go(func() error {
				_, err := l.GetAgent(gctx, name)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("agent level %d: %w", idx, err)
		}
	}
	return nil
}

// Shutdown shuts down loaded agents in reverse dependency order and forgets
// them, so a later GetAgent constructs a fresh instance. All agents are
// attempted; their errors are joined.
func (l *LazyLoader) Shutdown(ctx context.Context) error {
	levels, err := l.levels()
	if err != nil {
		return fmt.Errorf("agent dependency graph: %w", err)
	}

	var errs []error
	for i := len(levels) - 1; i >= 0; i-- {
		for _, name := range levels[i] {
			l.mu.Lock()
			reg := l.entries[name]
			a := reg.agent
			reg.agent = nil
			l.mu.Unlock()

			if a == nil {
				continue
			}
			if err := a.Shutdown(ctx); err != nil {
				l.logger.Warn("agent shutdown failed", "agent", name, "error", err)
				errs = append(errs, fmt.Errorf("shutdown agent %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

var _ Resolver = (*LazyLoader)(nil)
