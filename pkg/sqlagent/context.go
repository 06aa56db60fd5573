package sqlagent

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context provides execution context to stages.
// It extends context.Context with session metadata and services.
//
// Context is immutable after creation. The executor creates derived
// contexts for each stage with updated StageID and enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with session and
	// stage context. Never returns nil - defaults to slog.Default().
	Logger() *slog.Logger

	// SessionID returns the session this turn belongs to.
	// Auto-generated if not configured.
	SessionID() string

	// StageID returns the current stage being executed.
	// Empty string before execution starts.
	StageID() string
}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger    *slog.Logger
	sessionID string
	stageID   string
}

// Logger returns the configured logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// SessionID returns the session identifier.
func (c *executionContext) SessionID() string {
	return c.sessionID
}

// StageID returns the current stage identifier.
func (c *executionContext) StageID() string {
	return c.stageID
}

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context.
// The logger is enriched with session_id and stage_id during execution.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSessionID sets the session identifier for the context.
// If not set, a UUID is auto-generated.
func WithSessionID(id string) ContextOption {
	return func(c *executionContext) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// NewContext creates an execution context from a standard context.
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context:   ctx,
		logger:    slog.Default(),
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// withStageID returns a derived context with the given stage ID set.
// Used internally by the executor to enrich the context per stage.
func (c *executionContext) withStageID(stageID string) *executionContext {
	return &executionContext{
		Context:   c.Context,
		logger:    c.logger.With("session_id", c.sessionID, "stage_id", stageID),
		sessionID: c.sessionID,
		stageID:   stageID,
	}
}
