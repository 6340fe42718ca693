// Package ratelimit throttles invocations per agent.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a token bucket setting. A non-positive RPS means unlimited.
type Limit struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

func (l Limit) limiter() *rate.Limiter {
	if l.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.RPS), burst)
}

// Limiter keeps one token bucket per agent, created on first use from the
// agent's override or the default limit.
type Limiter struct {
	def       Limit
	overrides map[string]Limit

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// New creates a limiter.
func New(def Limit, overrides map[string]Limit) *Limiter {
	o := make(map[string]Limit, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Limiter{
		def:       def,
		overrides: o,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether agentName may be called now, consuming a token if so.
func (l *Limiter) Allow(agentName string) bool {
	return l.get(agentName).Allow()
}

// Wait blocks until agentName may be called or ctx is done.
func (l *Limiter) Wait(ctx context.Context, agentName string) error {
	if err := l.get(agentName).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for agent %s: %w", agentName, err)
	}
	return nil
}

// LimitFor returns the configured limit of agentName.
func (l *Limiter) LimitFor(agentName string) Limit {
	if o, ok := l.overrides[agentName]; ok {
		return o
	}
	return l.def
}

func (l *Limiter) get(agentName string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[agentName]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[agentName]; ok {
		return lim
	}
	lim = l.LimitFor(agentName).limiter()
	l.limiters[agentName] = lim
	return lim
}
