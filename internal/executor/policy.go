// Package executor wraps single agent invocations with retry, backoff,
// timeouts and a bounded call history.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/circuit"
)

// Policy is an exponential backoff retry policy.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// BackoffUnit is the base of the backoff. Retry n waits BackoffUnit * 2^n.
	BackoffUnit time.Duration `yaml:"backoff_unit" json:"backoff_unit"`
	// Jitter adds up to 10% random delay to each wait.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// Retryable classifies errors. Nil means Retryable.
	Retryable func(error) bool `yaml:"-" json:"-"`
	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-" json:"-"`
}

// DefaultPolicy retries three times waiting 2s, 4s and 8s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BackoffUnit: time.Second}
}

// Backoff returns the wait before retry n (n >= 1).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BackoffUnit <= 0 {
		return 0
	}
	if n > 30 {
		n = 30
	}
	d := p.BackoffUnit * time.Duration(1<<uint(n))
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(d)/10 + 1))
	}
	return d
}

// Do calls fn until it succeeds, returns an error that is not retryable, or
// MaxRetries+1 attempts have been made. It returns the number of attempts
// and the last error. fn receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = Retryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxRetries := max(p.MaxRetries, 0)

	var err error
	attempt := 0
	for attempt <= maxRetries {
		attempt++
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt > maxRetries || !retryable(err) {
			break
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return attempt, errors.Join(err, serr)
		}
	}
	return attempt, err
}

// Retryable reports whether err is worth another attempt. Context
// cancellation, timeouts, open breakers and unknown actions are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, circuit.ErrOpen) || errors.Is(err, agent.ErrUnknownAction) {
		return false
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
