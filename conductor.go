// Package conductor assembles the agent loader, orchestrator, scheduler,
// result cache and observability server from a configuration file.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/agents"
	tracing "github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/orchestrator"
	"github.com/aixgo-dev/conductor/internal/ratelimit"
	"github.com/aixgo-dev/conductor/internal/scheduler"
	"github.com/aixgo-dev/conductor/internal/workflow"
	"github.com/aixgo-dev/conductor/pkg/cache"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/observability"
)

// Version is reported by the health endpoint.
var Version = "dev"

// shutdownTimeout bounds Close when Serve stops.
const shutdownTimeout = 30 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	cache   cache.Cache
	loader  *agent.LazyLoader
	tracing bool
}

// WithLogger overrides the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCache overrides the cache backend selected by the config.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithLoader uses loader instead of installing the built-in agents.
func WithLoader(l *agent.LazyLoader) Option {
	return func(o *options) { o.loader = l }
}

// WithoutTracing skips tracer initialization.
func WithoutTracing() Option {
	return func(o *options) { o.tracing = false }
}

// System is a fully wired conductor instance.
type System struct {
	Config       *config.Config
	Loader       *agent.LazyLoader
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Metrics      *observability.Recorder
	Health       *observability.HealthChecker
	Server       *observability.Server

	cache   cache.Cache
	logger  *slog.Logger
	tracing bool
}

// New builds a System from cfg. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	o := options{tracing: true}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Logger(os.Stderr)
	}

	s := &System{Config: cfg, logger: logger, tracing: o.tracing}

	if o.tracing {
		if err := tracing.Init(cfg.Observability.Tracing); err != nil {
			logger.Warn("tracing disabled", "error", err)
			s.tracing = false
		}
	}

	s.Loader = o.loader
	if s.Loader == nil {
		s.Loader = agent.NewLazyLoader(agent.WithLoaderLogger(logger))
		if err := agents.Install(s.Loader, agentOptions(cfg)); err != nil {
			return nil, err
		}
	}

	catalog, err := workflow.NewCatalog(workflow.Builtins()...)
	if err != nil {
		return nil, err
	}
	for _, def := range cfg.Workflows {
		if err := catalog.Register(def); err != nil {
			return nil, fmt.Errorf("register workflow: %w", err)
		}
	}

	s.cache = o.cache
	if s.cache == nil {
		if s.cache, err = newCache(cfg.Cache); err != nil {
			return nil, err
		}
	}

	s.Metrics = observability.NewRecorder()
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetricsSink(s.Metrics),
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithStepTimeout(cfg.Orchestrator.StepTimeout),
		orchestrator.WithMapConcurrency(cfg.Orchestrator.MapConcurrency),
		orchestrator.WithMaxRunning(cfg.Orchestrator.MaxRunning),
		orchestrator.WithBreakerConfig(cfg.Orchestrator.CircuitBreaker),
	}
	if s.cache != nil {
		orchOpts = append(orchOpts, orchestrator.WithResultCache(s.cache, cache.Key))
	}
	if rl := cfg.Orchestrator.RateLimit; rl.Enabled {
		orchOpts = append(orchOpts, orchestrator.WithRateLimiter(ratelimit.New(rl.Default, rl.Agents)))
	}
	s.Orchestrator = orchestrator.New(s.Loader, catalog, orchOpts...)

	s.Health = observability.NewHealthChecker(Version)
	s.Health.RegisterCheck(observability.PingCheck())
	s.Health.RegisterCheck(observability.BreakerCheck(s.Orchestrator.BreakerStates))
	if s.cache != nil {
		s.Health.RegisterCheck(observability.ExternalServiceCheck("result_cache", s.cache.Ping))
	}
	s.Health.SetDetails(func() map[string]any {
		loaded := 0
		for _, info := range s.Loader.AvailableAgents() {
			if info.Loaded {
				loaded++
			}
		}
		return map[string]any{
			"running_workflows": len(s.Orchestrator.Running()),
			"agents_loaded":     loaded,
		}
	})
	s.Server = observability.NewServer(cfg.Observability.MetricsPort, s.Metrics, s.Health)

	s.Scheduler = scheduler.New(s.Orchestrator, scheduler.WithLogger(logger))
	for _, sc := range cfg.Schedules {
		if err := s.Scheduler.Add(sc); err != nil {
			return nil, err
		}
	}

	logger.Info("conductor configured",
		"workflows", catalog.Len(),
		"agents", len(s.Loader.AvailableAgents()),
		"schedules", len(cfg.Schedules),
		"cache", cfg.Cache.Backend)
	return s, nil
}

func agentOptions(cfg *config.Config) map[string]agents.Options {
	out := make(map[string]agents.Options, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		out[name] = agents.Options{
			Disabled:  ac.Disabled,
			DependsOn: ac.DependsOn,
			Settings:  agents.Settings(ac.Settings),
		}
	}
	return out
}

func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		c, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("result cache: %w", err)
		}
		return c, nil
	case config.CacheMemory:
		return cache.NewMemory(cfg.MaxEntries), nil
	}
	return nil, nil
}

// Start initializes every agent in dependency order.
func (s *System) Start(ctx context.Context) error {
	if err := s.Loader.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize agents: %w", err)
	}
	return nil
}

// Serve starts agents, schedules and the metrics server, then blocks until
// ctx is done and shuts everything down.
func (s *System) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("metrics server listening", "port", s.Config.Observability.MetricsPort)
		if err := s.Server.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.Scheduler.Start()
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Close(shutdownCtx)
	})
	return g.Wait()
}

// Close stops the scheduler and server, shuts agents down in reverse
// dependency order and releases the cache and tracer.
func (s *System) Close(ctx context.Context) error {
	var errs []error
	if err := s.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}
	if err := s.Loader.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("result cache: %w", err))
		}
	}
	if s.tracing {
		if err := tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run loads the config at path (defaults when empty) and serves until ctx is
// done.
func Run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	s, err := New(cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}
