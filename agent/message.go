package agent

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context identifies one logical investigation. It is created once per
// top-level request and threaded unchanged through every workflow step.
// Only the metadata map may change after creation.
type Context struct {
	InvestigationID string
	UserID          string
	SessionID       string
	ParentAgent     string
	TraceID         string
	Timestamp       time.Time

	mu       sync.RWMutex
	metadata map[string]any
}

// ContextOption configures a Context at creation.
type ContextOption func(*Context)

// WithUser sets the user id.
func WithUser(id string) ContextOption {
	return func(c *Context) { c.UserID = id }
}

// WithSession sets the session id.
func WithSession(id string) ContextOption {
	return func(c *Context) { c.SessionID = id }
}

// WithParentAgent records the agent that spawned this context.
func WithParentAgent(name string) ContextOption {
	return func(c *Context) { c.ParentAgent = name }
}

// WithTraceID sets the trace id.
func WithTraceID(id string) ContextOption {
	return func(c *Context) { c.TraceID = id }
}

// WithMetadata seeds the metadata map.
func WithMetadata(md map[string]any) ContextOption {
	return func(c *Context) { maps.Copy(c.metadata, md) }
}

// NewContext creates a Context. An empty investigationID gets a generated one.
func NewContext(investigationID string, opts ...ContextOption) *Context {
	if investigationID == "" {
		investigationID = uuid.NewString()
	}
	c := &Context{
		InvestigationID: investigationID,
		Timestamp:       time.Now().UTC(),
		metadata:        make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetMetadata stores a metadata value.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata retrieves a metadata value.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Snapshot returns an immutable copy suitable for embedding in a Message.
func (c *Context) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ContextSnapshot{
		InvestigationID: c.InvestigationID,
		UserID:          c.UserID,
		SessionID:       c.SessionID,
		ParentAgent:     c.ParentAgent,
		TraceID:         c.TraceID,
		Timestamp:       c.Timestamp,
		Metadata:        maps.Clone(c.metadata),
	}
}

// ContextSnapshot is the value form of Context carried by messages.
type ContextSnapshot struct {
	InvestigationID string         `json:"investigation_id"`
	UserID          string         `json:"user_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	ParentAgent     string         `json:"parent_agent,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Message is one request to an agent. It is created fresh per invocation
// and never mutated once sent.
type Message struct {
	ID               string          `json:"id"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Action           Action          `json:"action"`
	Payload          map[string]any  `json:"payload"`
	Context          ContextSnapshot `json:"context"`
	Timestamp        time.Time       `json:"timestamp"`
	RequiresResponse bool            `json:"requires_response"`
}

// NewMessage creates a message addressed to recipient. The payload map is
// shallow-copied so later changes by the caller are not observed.
func NewMessage(sender, recipient string, action Action, payload map[string]any, actx *Context) *Message {
	msg := &Message{
		ID:               uuid.NewString(),
		Sender:           sender,
		Recipient:        recipient,
		Action:           action,
		Payload:          maps.Clone(payload),
		Timestamp:        time.Now().UTC(),
		RequiresResponse: true,
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	if actx != nil {
		msg.Context = actx.Snapshot()
	}
	return msg
}

// String returns a human-readable representation of the message for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, %s->%s, Action:%s}", m.ID, m.Sender, m.Recipient, m.Action)
}

// ErrInvalidResponse is returned by Validate when status and fields disagree.
var ErrInvalidResponse = errors.New("invalid agent response")

// Response is an agent's answer to a Message.
type Response struct {
	AgentName      string         `json:"agent_name"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	ProcessingTime time.Duration  `json:"processing_time,omitempty"`
}

// Completed builds a successful response.
func Completed(agentName string, result map[string]any) *Response {
	if result == nil {
		result = make(map[string]any)
	}
	return &Response{
		AgentName: agentName,
		Status:    StatusCompleted,
		Result:    result,
		Metadata:  make(map[string]any),
		Timestamp: time.Now().UTC(),
	}
}

// Failed builds an error response. A nil err yields a generic message so the
// error field is never empty.
func Failed(agentName string, err error) *Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Response{
		AgentName: agentName,
		Status:    StatusError,
		Error:     msg,
		Metadata:  make(map[string]any),
		Timestamp: time.Now().UTC(),
	}
}

// Succeeded reports whether the response carries a usable result.
func (r *Response) Succeeded() bool {
	return r != nil && r.Status != StatusError && r.Error == ""
}

// Validate checks the status/result/error invariant.
func (r *Response) Validate() error {
	switch r.Status {
	case StatusError:
		if r.Result != nil || r.Error == "" {
			return fmt.Errorf("%w: error status requires error and no result", ErrInvalidResponse)
		}
	case StatusCompleted:
		if r.Error != "" {
			return fmt.Errorf("%w: completed status must not carry an error", ErrInvalidResponse)
		}
	}
	return nil
}
