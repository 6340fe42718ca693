package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrRegistryFull is returned when the running registry is at capacity.
var ErrRegistryFull = errors.New("too many running workflows")

// Execution tracks one in-flight workflow run.
type Execution struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      Status     `json:"status"`
	CurrentStep string     `json:"current_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// DefaultMaxRunning is the registry capacity when none is configured.
const DefaultMaxRunning = 1000

// Registry tracks running executions. Entries are removed by Finish, so the
// registry only ever holds in-flight work and is bounded by its capacity.
type Registry struct {
	max int

	mu      sync.Mutex
	running map[string]*Execution
}

// NewRegistry creates a registry holding at most max executions.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxRunning
	}
	return &Registry{max: max, running: make(map[string]*Execution)}
}

// Start registers a new running execution of workflowID.
func (r *Registry) Start(workflowID string) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.running) >= r.max {
		return Execution{}, ErrRegistryFull
	}
	e := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	r.running[e.ID] = e
	return *e, nil
}

// SetStep records the step an execution is currently on.
func (r *Registry) SetStep(id, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.running[id]; ok {
		e.CurrentStep = step
	}
}

// Finish removes the execution and returns its final record. A nil err
// marks it completed; context cancellation marks it cancelled.
func (r *Registry) Finish(id string, err error) (Execution, bool) {
	r.mu.Lock()
	e, ok := r.running[id]
	delete(r.running, id)
	r.mu.Unlock()

	if !ok {
		return Execution{}, false
	}
	now := time.Now().UTC()
	e.FinishedAt = &now
	switch {
	case err == nil:
		e.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		e.Status = StatusCancelled
		e.Error = err.Error()
	default:
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	return *e, true
}

// Get returns a snapshot of a running execution.
func (r *Registry) Get(id string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.running[id]
	if !ok {
		return Execution{}, false
	}
	return *e, true
}

// List returns snapshots of all running executions, oldest first.
func (r *Registry) List() []Execution {
	r.mu.Lock()
	out := make([]Execution, 0, len(r.running))
	for _, e := range r.running {
		out = append(out, *e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of running executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Cap returns the registry capacity.
func (r *Registry) Cap() int { return r.max }
