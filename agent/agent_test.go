package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aixgo-dev/conductor/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAgent records lifecycle calls for loader tests.
type mockAgent struct {
	*Base
	inits     atomic.Int32
	shutdowns atomic.Int32
	initErr   error
	onInit    func(name string)
	onStop    func(name string)
}

func newMockAgent(name string, caps ...string) *mockAgent {
	return &mockAgent{Base: NewBase(name, caps...)}
}

func (m *mockAgent) Initialize(ctx context.Context) error {
	m.inits.Add(1)
	if m.onInit != nil {
		m.onInit(m.Name())
	}
	return m.initErr
}

func (m *mockAgent) Shutdown(ctx context.Context) error {
	m.shutdowns.Add(1)
	if m.onStop != nil {
		m.onStop(m.Name())
	}
	return nil
}

func (m *mockAgent) Process(ctx context.Context, msg *Message, actx *Context) (*Response, error) {
	return Completed(m.Name(), map[string]any{"echo": msg.Payload}), nil
}

func TestContext(t *testing.T) {
	t.Run("generates id when empty", func(t *testing.T) {
		a := NewContext("")
		b := NewContext("")
		assert.NotEmpty(t, a.InvestigationID)
		assert.NotEqual(t, a.InvestigationID, b.InvestigationID)
		assert.False(t, a.Timestamp.IsZero())
	})

	t.Run("options", func(t *testing.T) {
		c := NewContext("inv-1",
			WithUser("u1"),
			WithSession("s1"),
			WithParentAgent("planner"),
			WithTraceID("trace"),
			WithMetadata(map[string]any{"priority": "high"}),
		)
		assert.Equal(t, "inv-1", c.InvestigationID)
		assert.Equal(t, "u1", c.UserID)
		assert.Equal(t, "s1", c.SessionID)
		assert.Equal(t, "planner", c.ParentAgent)
		assert.Equal(t, "trace", c.TraceID)

		v, ok := c.Metadata("priority")
		assert.True(t, ok)
		assert.Equal(t, "high", v)
	})

	t.Run("snapshot is detached", func(t *testing.T) {
		c := NewContext("inv-1")
		c.SetMetadata("k", 1)
		snap := c.Snapshot()
		c.SetMetadata("k", 2)

		assert.Equal(t, 1, snap.Metadata["k"])
		v, _ := c.Metadata("k")
		assert.Equal(t, 2, v)
	})

	t.Run("concurrent metadata", func(t *testing.T) {
		c := NewContext("inv-1")
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c.SetMetadata("k", i)
				_, _ = c.Metadata("k")
				_ = c.Snapshot()
			}(i)
		}
		wg.Wait()
	})
}

func TestNewMessage(t *testing.T) {
	actx := NewContext("inv-1", WithUser("u1"))
	payload := map[string]any{"a": 1}
	msg := NewMessage("orchestrator", "scorer", "score", payload, actx)

	payload["a"] = 2

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "orchestrator", msg.Sender)
	assert.Equal(t, "scorer", msg.Recipient)
	assert.Equal(t, Action("score"), msg.Action)
	assert.Equal(t, 1, msg.Payload["a"])
	assert.True(t, msg.RequiresResponse)
	assert.Equal(t, "inv-1", msg.Context.InvestigationID)
	assert.Equal(t, "u1", msg.Context.UserID)
	assert.Contains(t, msg.String(), "orchestrator->scorer")

	other := NewMessage("orchestrator", "scorer", "score", nil, nil)
	assert.NotEqual(t, msg.ID, other.ID)
	assert.NotNil(t, other.Payload)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"investigation_id":"inv-1"`)
}

func TestResponse(t *testing.T) {
	ok := Completed("a", nil)
	assert.True(t, ok.Succeeded())
	assert.NotNil(t, ok.Result)
	assert.NoError(t, ok.Validate())

	failed := Failed("a", errors.New("boom"))
	assert.False(t, failed.Succeeded())
	assert.Equal(t, "boom", failed.Error)
	assert.Nil(t, failed.Result)
	assert.NoError(t, failed.Validate())

	generic := Failed("a", nil)
	assert.Equal(t, "unknown error", generic.Error)

	bad := &Response{Status: StatusError, Result: map[string]any{}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidResponse)

	bad = &Response{Status: StatusCompleted, Error: "x"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidResponse)

	var nilResp *Response
	assert.False(t, nilResp.Succeeded())
}

func TestBase(t *testing.T) {
	caps := []string{"x", "y"}
	b := NewBase("b", caps...)
	caps[0] = "z"

	assert.Equal(t, []string{"x", "y"}, b.Capabilities())
	assert.Equal(t, StatusIdle, b.Status())

	b.SetStatus(StatusThinking)
	assert.Equal(t, StatusThinking, b.Status())
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, StatusIdle, b.Status())

	m := newMockAgent("m", "detect")
	assert.True(t, HasCapability(m, "detect"))
	assert.False(t, HasCapability(m, "report"))
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher("scorer", map[Action]Handler{
		"score": func(ctx context.Context, msg *Message, actx *Context) (map[string]any, error) {
			return map[string]any{"score": 1}, nil
		},
		"fail": func(ctx context.Context, msg *Message, actx *Context) (map[string]any, error) {
			return nil, errors.New("no data")
		},
		"nil": nil,
	})

	assert.Equal(t, []Action{"fail", "score"}, d.Actions())
	assert.True(t, d.Supports("score"))
	assert.False(t, d.Supports("nil"))

	ctx := context.Background()
	actx := NewContext("inv")

	resp, err := d.Dispatch(ctx, NewMessage("t", "scorer", "score", nil, actx), actx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 1, resp.Result["score"])

	resp, err = d.Dispatch(ctx, NewMessage("t", "scorer", "fail", nil, actx), actx)
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "no data", resp.Error)

	_, err = d.Dispatch(ctx, NewMessage("t", "scorer", "missing", nil, actx), actx)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestLazyLoader_GetAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("constructs on first use only", func(t *testing.T) {
		var built atomic.Int32
		m := newMockAgent("scorer", "scoring")
		l := NewLazyLoader()
		require.NoError(t, l.Register("scorer", []string{"scoring"}, func(context.Context) (Agent, error) {
			built.Add(1)
			time.Sleep(5 * time.Millisecond)
			return m, nil
		}))

		assert.False(t, l.AvailableAgents()[0].Loaded)
		assert.Equal(t, int32(0), built.Load())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := l.GetAgent(ctx, "scorer")
				assert.NoError(t, err)
				assert.Same(t, m, a)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), built.Load())
		assert.Equal(t, int32(1), m.inits.Load())
		assert.True(t, l.AvailableAgents()[0].Loaded)
	})

	t.Run("unknown agent", func(t *testing.T) {
		l := NewLazyLoader()
		_, err := l.GetAgent(ctx, "ghost")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("failed construction is retried", func(t *testing.T) {
		calls := 0
		l := NewLazyLoader()
		require.NoError(t, l.Register("flaky", nil, func(context.Context) (Agent, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("not yet")
			}
			return newMockAgent("flaky"), nil
		}))

		_, err := l.GetAgent(ctx, "flaky")
		assert.Error(t, err)

		a, err := l.GetAgent(ctx, "flaky")
		require.NoError(t, err)
		assert.Equal(t, "flaky", a.Name())
	})

	t.Run("initialize error", func(t *testing.T) {
		m := newMockAgent("broken")
		m.initErr = errors.New("no config")
		l := NewLazyLoader()
		require.NoError(t, l.RegisterAgent(m))

		_, err := l.GetAgent(ctx, "broken")
		assert.ErrorContains(t, err, "no config")
		assert.False(t, l.AvailableAgents()[0].Loaded)
	})
}

func TestLazyLoader_Register(t *testing.T) {
	l := NewLazyLoader()
	factory := func(context.Context) (Agent, error) { return newMockAgent("a"), nil }

	require.NoError(t, l.Register("a", []string{"x"}, factory))
	assert.ErrorIs(t, l.Register("a", nil, factory), ErrAlreadyRegistered)
	assert.Error(t, l.Register("", nil, factory))
	assert.Error(t, l.Register("b", nil, nil))
	assert.Error(t, l.RegisterAgent(nil))

	require.NoError(t, l.RegisterAgent(newMockAgent("c", "y", "z"), "a"))

	infos := l.AvailableAgents()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "c", infos[1].Name)
	assert.Equal(t, []string{"y", "z"}, infos[1].Capabilities)
	assert.Equal(t, []string{"a"}, infos[1].DependsOn)
}

func TestLazyLoader_InitializeAllAndShutdown(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var initOrder, stopOrder []string
	record := func(dst *[]string) func(string) {
		return func(name string) {
			mu.Lock()
			defer mu.Unlock()
			*dst = append(*dst, name)
		}
	}

	l := NewLazyLoader()
	for _, spec := range []struct {
		name string
		deps []string
	}{
		{"reporter", []string{"analyzer"}},
		{"analyzer", []string{"detector"}},
		{"detector", nil},
	} {
		m := newMockAgent(spec.name)
		m.onInit = record(&initOrder)
		m.onStop = record(&stopOrder)
		require.NoError(t, l.RegisterAgent(m, spec.deps...))
	}

	require.NoError(t, l.InitializeAll(ctx))
	assert.Equal(t, []string{"detector", "analyzer", "reporter"}, initOrder)
	for _, info := range l.AvailableAgents() {
		assert.True(t, info.Loaded, info.Name)
	}

	require.NoError(t, l.Shutdown(ctx))
	assert.Equal(t, []string{"reporter", "analyzer", "detector"}, stopOrder)
	for _, info := range l.AvailableAgents() {
		assert.False(t, info.Loaded, info.Name)
	}
}

func TestLazyLoader_InitializeAllRejectsCycles(t *testing.T) {
	l := NewLazyLoader()
	require.NoError(t, l.RegisterAgent(newMockAgent("a"), "b"))
	require.NoError(t, l.RegisterAgent(newMockAgent("b"), "a"))

	err := l.InitializeAll(context.Background())
	assert.ErrorIs(t, err, graph.ErrCycle)
}

func TestLazyLoader_InitializeAllUnknownDependency(t *testing.T) {
	l := NewLazyLoader()
	require.NoError(t, l.RegisterAgent(newMockAgent("a"), "ghost"))

	err := l.InitializeAll(context.Background())
	assert.ErrorIs(t, err, graph.ErrUnknownNode)
}
