// Package agents provides the built-in analysis agents. Each agent registers
// a constructor in init; Install hands them to a lazy loader.
package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/aixgo-dev/conductor/agent"
)

// Settings are per-agent options from configuration.
type Settings map[string]any

// Float returns the numeric setting key, or def when missing or not a number.
func (s Settings) Float(key string, def float64) float64 {
	if v, ok := toFloat(s[key]); ok {
		return v
	}
	return def
}

// Strings returns the string list setting key, or def.
func (s Settings) Strings(key string, def []string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return def
}

// String returns the string setting key, or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Constructor builds an agent from its settings.
type Constructor func(settings Settings) (agent.Agent, error)

type registration struct {
	capabilities []string
	construct    Constructor
}

var (
	mu       sync.RWMutex
	registry = make(map[string]registration)
)

// Register makes a constructor available under name. It panics on
// duplicates since registration happens in init.
func Register(name string, capabilities []string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("agents: duplicate registration of " + name)
	}
	registry[name] = registration{capabilities: capabilities, construct: c}
}

// Names lists registered agents in lexical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options tune one agent at install time.
type Options struct {
	Disabled  bool
	DependsOn []string
	Settings  Settings
}

// Install registers every enabled built-in agent with loader. Agents are
// constructed on first use.
func Install(loader *agent.LazyLoader, opts map[string]Options) error {
	for _, name := range Names() {
		o := opts[name]
		if o.Disabled {
			continue
		}
		mu.RLock()
		reg := registry[name]
		mu.RUnlock()

		settings := o.Settings
		err := loader.Register(name, reg.capabilities, func(context.Context) (agent.Agent, error) {
			return reg.construct(settings)
		}, o.DependsOn...)
		if err != nil {
			return fmt.Errorf("install agent %s: %w", name, err)
		}
	}
	return nil
}

// New constructs the named built-in agent directly.
func New(name string, settings Settings) (agent.Agent, error) {
	mu.RLock()
	reg, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, name)
	}
	return reg.construct(settings)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// numbers converts a payload list to float64 values.
func numbers(v any) ([]float64, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []float64:
		return list, nil
	case []int:
		out := make([]float64, len(list))
		for i, n := range list {
			out[i] = float64(n)
		}
		return out, nil
	case []any:
		out := make([]float64, len(list))
		for i, item := range list {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("value %d is %T, not a number", i, item)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("values must be a list of numbers, got %T", v)
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		stddev += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(stddev / float64(len(values)))
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
