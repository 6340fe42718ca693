package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SyncHandlersRunInOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 1; i <= 3; i++ {
		b.On("evt", func(context.Context, string, map[string]any) error {
			order = append(order, i)
			return nil
		})
	}

	errs := b.Emit(context.Background(), "evt", nil)
	assert.Empty(t, errs)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_AsyncHandlersRunConcurrently(t *testing.T) {
	b := New()
	var started sync.WaitGroup
	started.Add(3)
	for i := 0; i < 3; i++ {
		b.OnAsync("evt", func(context.Context, string, map[string]any) error {
			started.Done()
			// Each handler blocks until all three have started.
			started.Wait()
			return nil
		})
	}

	done := make(chan []error)
	go func() { done <- b.Emit(context.Background(), "evt", nil) }()

	select {
	case errs := <-done:
		assert.Empty(t, errs)
	case <-time.After(2 * time.Second):
		t.Fatal("async handlers did not run concurrently")
	}
}

func TestBus_SyncBeforeAsync(t *testing.T) {
	b := New()
	var syncDone atomic.Bool
	b.OnAsync("evt", func(context.Context, string, map[string]any) error {
		assert.True(t, syncDone.Load())
		return nil
	})
	b.On("evt", func(context.Context, string, map[string]any) error {
		syncDone.Store(true)
		return nil
	})

	assert.Empty(t, b.Emit(context.Background(), "evt", nil))
}

func TestBus_ErrorsAndPanicsAreCollected(t *testing.T) {
	b := New()
	var ran atomic.Int32
	b.On("evt", func(context.Context, string, map[string]any) error {
		ran.Add(1)
		return errors.New("first")
	})
	b.On("evt", func(context.Context, string, map[string]any) error {
		ran.Add(1)
		panic("second")
	})
	b.OnAsync("evt", func(context.Context, string, map[string]any) error {
		ran.Add(1)
		return errors.New("third")
	})
	b.On("evt", func(context.Context, string, map[string]any) error {
		ran.Add(1)
		return nil
	})

	errs := b.Emit(context.Background(), "evt", nil)
	require.Len(t, errs, 3)
	assert.Equal(t, int32(4), ran.Load())
	assert.ErrorContains(t, errs[1], "panicked: second")
}

func TestBus_DeliversData(t *testing.T) {
	b := New()
	var got map[string]any
	var gotEvent string
	b.On("step.a.completed", func(_ context.Context, event string, data map[string]any) error {
		gotEvent = event
		got = data
		return nil
	})

	b.Emit(context.Background(), "step.a.completed", map[string]any{"score": 7})
	assert.Equal(t, "step.a.completed", gotEvent)
	assert.Equal(t, 7, got["score"])
}

func TestBus_Off(t *testing.T) {
	b := New()
	called := false
	b.On("evt", func(context.Context, string, map[string]any) error {
		called = true
		return nil
	})
	b.On("evt", nil)
	assert.Equal(t, 1, b.Handlers("evt"))

	b.Off("evt")
	assert.Equal(t, 0, b.Handlers("evt"))
	assert.Empty(t, b.Emit(context.Background(), "evt", nil))
	assert.False(t, called)
}

func TestBus_HandlerCanEmit(t *testing.T) {
	b := New()
	var chain []string
	b.On("a", func(ctx context.Context, event string, _ map[string]any) error {
		chain = append(chain, event)
		b.Emit(ctx, "b", nil)
		return nil
	})
	b.On("b", func(_ context.Context, event string, _ map[string]any) error {
		chain = append(chain, event)
		return nil
	})

	b.Emit(context.Background(), "a", nil)
	assert.Equal(t, []string{"a", "b"}, chain)
}
