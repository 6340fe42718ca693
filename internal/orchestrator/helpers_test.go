package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/executor"
	"github.com/aixgo-dev/conductor/internal/workflow"
)

type handleFunc func(ctx context.Context, msg *agent.Message) (map[string]any, error)

// stubAgent answers every action with handle and remembers the messages.
type stubAgent struct {
	*agent.Base
	handle handleFunc

	mu    sync.Mutex
	calls []*agent.Message
}

func newStub(name string, handle handleFunc, caps ...string) *stubAgent {
	return &stubAgent{Base: agent.NewBase(name, caps...), handle: handle}
}

func (s *stubAgent) Process(ctx context.Context, msg *agent.Message, _ *agent.Context) (*agent.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msg)
	s.mu.Unlock()

	out, err := s.handle(ctx, msg)
	if err != nil {
		return agent.Failed(s.Name(), err), nil
	}
	return agent.Completed(s.Name(), out), nil
}

func (s *stubAgent) Calls() []*agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.Message, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *stubAgent) Actions() []agent.Action {
	var out []agent.Action
	for _, m := range s.Calls() {
		out = append(out, m.Action)
	}
	return out
}

// byAction routes actions to results; unknown actions fail.
func byAction(table map[agent.Action]handleFunc) handleFunc {
	return func(ctx context.Context, msg *agent.Message) (map[string]any, error) {
		h, ok := table[msg.Action]
		if !ok {
			return nil, agent.ErrUnknownAction
		}
		return h(ctx, msg)
	}
}

func returns(out map[string]any) handleFunc {
	return func(context.Context, *agent.Message) (map[string]any, error) { return out, nil }
}

func fails(err error) handleFunc {
	return func(context.Context, *agent.Message) (map[string]any, error) { return nil, err }
}

func blocks(ctx context.Context, _ *agent.Message) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func fastPolicy() executor.Policy {
	return executor.Policy{BackoffUnit: time.Millisecond}
}

func newTestOrchestrator(t *testing.T, defs []*workflow.Definition, agents []agent.Agent, opts ...Option) *Orchestrator {
	t.Helper()

	loader := agent.NewLazyLoader(agent.WithLoaderLogger(quietLogger()))
	for _, a := range agents {
		require.NoError(t, loader.RegisterAgent(a))
	}
	catalog, err := workflow.NewCatalog(defs...)
	require.NoError(t, err)

	base := []Option{WithLogger(quietLogger()), WithPolicy(fastPolicy())}
	return New(loader, catalog, append(base, opts...)...)
}

func builtin(t *testing.T, id string) *workflow.Definition {
	t.Helper()
	for _, d := range workflow.Builtins() {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("no builtin workflow %q", id)
	return nil
}
