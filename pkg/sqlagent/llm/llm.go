// Package llm defines the generator boundary used by the pipeline:
// role-tagged messages and the Client interface completions run through.
package llm

import (
	"context"
	"fmt"
)

// Role identifies the message sender.
type Role string

// Standard message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system-role message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user-role message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant-role message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Client is the completion backend.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends the ordered message sequence and returns the reply.
	Complete(ctx context.Context, messages []Message) (Message, error)

	// ContextWindow returns the model's context budget in tokens.
	// Used to size history-compaction triggers.
	ContextWindow() int
}

// Error wraps a failure from a completion backend.
type Error struct {
	// Op is the operation that failed (e.g., "complete").
	Op string
	// Err is the underlying error.
	Err error
	// Retryable indicates a transient failure (rate limit, overload).
	Retryable bool
}

// NewError creates a client error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}
