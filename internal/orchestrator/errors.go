package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/conductor/internal/workflow"
)

var (
	// ErrUnknownWorkflow is returned for a workflow id missing from the catalog.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnsupportedPattern is returned when no executor handles a pattern.
	ErrUnsupportedPattern = errors.New("unsupported workflow pattern")
	// ErrStepFailed wraps the failure of a step that aborted a workflow.
	ErrStepFailed = errors.New("workflow step failed")
	// ErrInvalidWorkflow is matched by definition validation errors.
	ErrInvalidWorkflow = workflow.ErrInvalid
	// ErrInvalidInput is returned when workflow input lacks what the pattern needs.
	ErrInvalidInput = errors.New("invalid workflow input")
	// ErrTooManyRunning is returned when the running registry is full.
	ErrTooManyRunning = workflow.ErrRegistryFull
	// ErrStepTimeout is matched by *TimeoutError.
	ErrStepTimeout = errors.New("step timed out")
)

// Error is a workflow-level failure.
type Error struct {
	WorkflowID string
	StepID     string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("orchestrator: %s workflow %q step %q: %v", e.Op, e.WorkflowID, e.StepID, e.Err)
	}
	return fmt.Sprintf("orchestrator: %s workflow %q: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TimeoutError reports a step that exceeded its time budget.
type TimeoutError struct {
	StepID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrStepTimeout }

// Timeout marks the error as a timeout so it is never retried.
func (e *TimeoutError) Timeout() bool { return true }

// SagaError carries the final state of a failed saga.
type SagaError struct {
	State *SagaState
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("saga %s failed at step %q (compensated %v): %v",
		e.State.Name, e.State.FailedStep, e.State.Compensated, e.State.Err)
}

// Unwrap exposes the error of the step that failed the saga.
func (e *SagaError) Unwrap() error { return e.State.Err }

func stepFailed(workflowID, stepID string, err error) *Error {
	return &Error{
		WorkflowID: workflowID,
		StepID:     stepID,
		Op:         "execute",
		Err:        fmt.Errorf("%w: %w", ErrStepFailed, err),
	}
}
