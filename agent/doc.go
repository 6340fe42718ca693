// Package agent defines the contract between the orchestrator and the
// components that do the actual analysis work.
//
// # Implementing an agent
//
// Embed Base for name, capability and status bookkeeping, and route actions
// through a Dispatcher:
//
//	type Scorer struct {
//	    *agent.Base
//	    dispatch *agent.Dispatcher
//	}
//
//	func NewScorer() *Scorer {
//	    s := &Scorer{Base: agent.NewBase("scorer", "scoring")}
//	    s.dispatch = agent.NewDispatcher(s.Name(), map[agent.Action]agent.Handler{
//	        "score": s.score,
//	    })
//	    return s
//	}
//
//	func (s *Scorer) Process(ctx context.Context, msg *agent.Message, actx *agent.Context) (*agent.Response, error) {
//	    return s.dispatch.Dispatch(ctx, msg, actx)
//	}
//
// # Resolving agents
//
// The orchestrator never holds agents directly. It asks a Resolver, and
// LazyLoader is the in-process implementation:
//
//	loader := agent.NewLazyLoader()
//	loader.Register("scorer", []string{"scoring"}, func(ctx context.Context) (agent.Agent, error) {
//	    return NewScorer(), nil
//	})
//	a, err := loader.GetAgent(ctx, "scorer")
//
// # Messages
//
// A Context is created once per investigation and shared by every step. Each
// agent call gets a fresh Message carrying a snapshot of that Context; the
// agent answers with a Response built by Completed or Failed.
package agent
