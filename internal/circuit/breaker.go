// Package circuit isolates failing agents so that repeated failures stop
// reaching them until a recovery period has passed.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is matched by every rejection.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when the breaker refuses a call.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit breaker %s is half_open and at its trial limit", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config controls when a breaker opens and how it recovers.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long an open breaker waits before allowing a trial call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenRequests is both the number of concurrent trial calls allowed
	// and the number of trial successes needed to close again.
	HalfOpenRequests int `yaml:"half_open_requests" json:"half_open_requests"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenRequests: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	return c
}

// Transition is invoked after every state change, outside the breaker lock.
type Transition func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers a state change callback.
func OnTransition(fn Transition) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use;
// the lock is held only while the state is read or updated, never while the
// guarded call runs.
type Breaker struct {
	name   string
	config Config

	now          func() time.Time
	onTransition Transition

	mu              sync.Mutex
	state           State
	failures        int
	halfOpenSuccess int
	inFlight        int
	lastFailure     time.Time
}

// New creates a closed breaker.
func New(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose recovery timeout
// has elapsed still reports open until the next call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs fn if the breaker admits it and records the outcome. The error
// from fn is returned unchanged. A rejected call returns *OpenError without
// running fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.release(err == nil)
	return err
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.halfOpenSuccess = 0
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return &OpenError{Name: b.name, State: Open}
		}
		b.state = HalfOpen
		b.halfOpenSuccess = 0
		b.inFlight = 0
		fallthrough

	case HalfOpen:
		if b.inFlight >= b.config.HalfOpenRequests {
			b.mu.Unlock()
			b.notify(from, b.State())
			return &OpenError{Name: b.name, State: HalfOpen}
		}
		b.inFlight++
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

func (b *Breaker) release(success bool) {
	b.mu.Lock()
	from := b.state

	if from == HalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if success {
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.config.HalfOpenRequests {
				b.state = Closed
				b.failures = 0
				b.halfOpenSuccess = 0
			}
		}
	} else {
		b.failures++
		b.lastFailure = b.now()
		switch b.state {
		case Closed:
			if b.failures >= b.config.FailureThreshold {
				b.state = Open
			}
		case HalfOpen:
			b.state = Open
			b.halfOpenSuccess = 0
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
