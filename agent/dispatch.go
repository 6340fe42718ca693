package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Action names an operation an agent can perform.
type Action string

// Handler performs one action and returns its result payload.
type Handler func(ctx context.Context, msg *Message, actx *Context) (map[string]any, error)

// ErrUnknownAction is returned when no handler is registered for an action.
var ErrUnknownAction = errors.New("unknown action")

// Dispatcher routes messages to handlers through a fixed action table.
// The table is set at construction and never changes afterwards, so a
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	agent    string
	handlers map[Action]Handler
}

// NewDispatcher builds a dispatcher for the named agent.
func NewDispatcher(agentName string, handlers map[Action]Handler) *Dispatcher {
	table := make(map[Action]Handler, len(handlers))
	for a, h := range handlers {
		if h != nil {
			table[a] = h
		}
	}
	return &Dispatcher{agent: agentName, handlers: table}
}

// Actions returns the supported actions in lexical order.
func (d *Dispatcher) Actions() []Action {
	out := make([]Action, 0, len(d.handlers))
	for a := range d.handlers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports reports whether action has a handler.
func (d *Dispatcher) Supports(action Action) bool {
	_, ok := d.handlers[action]
	return ok
}

// Dispatch runs the handler for msg.Action and wraps the outcome in a Response.
// Handler errors become error responses; an unknown action is returned as an
// error because it indicates a misconfigured workflow rather than a failed run.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message, actx *Context) (*Response, error) {
	h, ok := d.handlers[msg.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s does not handle %q", ErrUnknownAction, d.agent, msg.Action)
	}

	result, err := h(ctx, msg, actx)
	if err != nil {
		return Failed(d.agent, err), nil
	}
	return Completed(d.agent, result), nil
}
