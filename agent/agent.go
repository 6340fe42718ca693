package agent

import (
	"context"
	"sync"
)

// Status is the lifecycle state an agent reports while handling work.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusThinking  Status = "thinking"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Agent is the interface that all agents must implement.
// External packages implement this interface to plug analysis capabilities
// into the orchestrator.
type Agent interface {
	// Name returns the unique logical name of this agent.
	// Workflow steps reference agents by this name.
	Name() string

	// Capabilities lists the capability strings this agent declares.
	// The orchestrator uses them for capability-based agent selection.
	Capabilities() []string

	// Initialize prepares the agent before its first Process call.
	// Resolvers call it exactly once per constructed agent.
	Initialize(ctx context.Context) error

	// Process handles one message and returns a response.
	// A response with StatusError is treated as an invocation failure.
	// Implementations must be safe for concurrent use.
	Process(ctx context.Context, msg *Message, actx *Context) (*Response, error)

	// Shutdown releases the agent's resources.
	Shutdown(ctx context.Context) error
}

// StatusReporter is implemented by agents that expose their current Status.
type StatusReporter interface {
	Status() Status
	SetStatus(Status)
}

// Base provides the bookkeeping shared by most agents.
// Embed it and implement Process to satisfy Agent.
type Base struct {
	name         string
	capabilities []string

	mu     sync.RWMutex
	status Status
}

// NewBase creates a Base with the given name and capabilities.
func NewBase(name string, capabilities ...string) *Base {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return &Base{
		name:         name,
		capabilities: caps,
		status:       StatusIdle,
	}
}

// Name returns the agent name
func (b *Base) Name() string {
	return b.name
}

// Capabilities returns a copy of the declared capabilities
func (b *Base) Capabilities() []string {
	caps := make([]string, len(b.capabilities))
	copy(caps, b.capabilities)
	return caps
}

// Initialize is a no-op default
func (b *Base) Initialize(ctx context.Context) error {
	b.SetStatus(StatusIdle)
	return nil
}

// Shutdown is a no-op default
func (b *Base) Shutdown(ctx context.Context) error {
	b.SetStatus(StatusIdle)
	return nil
}

// Status returns the current status
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetStatus sets the current status
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

// HasCapability reports whether the agent declares capability c.
func HasCapability(a Agent, c string) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}
