package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBoom }

func testBreaker(clock *fakeClock, threshold, halfOpen int) *Breaker {
	return New("detector", Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: halfOpen,
	}, WithClock(clock.Now))
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("x", Config{})
	assert.Equal(t, DefaultConfig(), b.config)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, "x", b.Name())
}

func TestBreaker_OpensOnThreshold(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(newFakeClock(), 3, 1)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
		assert.Equal(t, Closed, b.State())
	}
	assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 3, b.Failures())

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrOpen)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, Open, openErr.State)
	assert.Equal(t, "circuit breaker detector is open", err.Error())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := testBreaker(newFakeClock(), 3, 1)

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, 0, b.Failures())

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_RecoveryToHalfOpenThenClosed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := testBreaker(clock, 1, 2)

	_ = b.Call(ctx, fail)
	require.Equal(t, Open, b.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, succeed), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := testBreaker(clock, 2, 3)

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	clock.Advance(time.Minute)

	assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 3, b.Failures())

	assert.ErrorIs(t, b.Call(ctx, succeed), ErrOpen)
}

func TestBreaker_HalfOpenTrialLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := testBreaker(clock, 1, 1)

	_ = b.Call(ctx, fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Call(ctx, succeed)
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, HalfOpen, openErr.State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := testBreaker(newFakeClock(), 1, 1)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_OnTransition(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	var seen []State
	b := New("a", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenRequests: 1},
		WithClock(clock.Now),
		OnTransition(func(name string, from, to State) {
			assert.Equal(t, "a", name)
			seen = append(seen, to)
		}))

	_ = b.Call(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Call(ctx, succeed)

	assert.Equal(t, []State{Open, HalfOpen, Closed}, seen)
}

func TestSet(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1})

	a := s.Get("a")
	assert.Same(t, a, s.Get("a"))
	s.Get("b")

	assert.Equal(t, []string{"a", "b"}, s.Names())
	assert.False(t, s.AnyOpen())

	_ = a.Call(context.Background(), fail)
	assert.Equal(t, map[string]State{"a": Open, "b": Closed}, s.States())
	assert.True(t, s.AnyOpen())
}

func TestSet_ConcurrentGet(t *testing.T) {
	s := NewSet(DefaultConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = s.Get("shared")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
