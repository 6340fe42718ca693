package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/conductor/agent"
)

var (
	// ErrTimeout is matched by *TimeoutError.
	ErrTimeout = errors.New("agent call timed out")

	// ErrAgentFailed is matched by *AgentError.
	ErrAgentFailed = errors.New("agent returned an error response")
)

// TimeoutError reports an agent call that did not finish in time.
type TimeoutError struct {
	Agent string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s did not respond within %s", e.Agent, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Timeout marks the error as a timeout for retry classification.
func (e *TimeoutError) Timeout() bool { return true }

// AgentError is an error response converted to a Go error.
type AgentError struct {
	Agent   string
	Action  agent.Action
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s failed %s: %s", e.Agent, e.Action, e.Message)
}

func (e *AgentError) Unwrap() error { return ErrAgentFailed }

// ExecutionError is returned once all attempts for a call are exhausted.
type ExecutionError struct {
	Agent    string
	Action   agent.Action
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s action %s failed after %d attempt(s): %v", e.Agent, e.Action, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
