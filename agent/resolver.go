package agent

import (
	"context"
	"errors"
)

// ErrAgentNotFound is returned when a resolver has no agent under a name.
var ErrAgentNotFound = errors.New("agent not found")

// Info describes an agent known to a resolver, whether or not it has been
// constructed yet.
type Info struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Loaded       bool     `json:"loaded"`
}

// Resolver maps agent names to ready-to-use agents.
type Resolver interface {
	// GetAgent returns an initialized agent. Implementations may construct
	// it on first use.
	GetAgent(ctx context.Context, name string) (Agent, error)

	// AvailableAgents lists every agent the resolver can produce.
	AvailableAgents() []Info
}
