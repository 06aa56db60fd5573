package sqlagent

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoEntryPoint indicates SetEntry() was not called before Compile().
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a
	// non-existent stage.
	ErrEntryNotFound = errors.New("entry point stage not found")

	// ErrStageNotFound indicates an edge references a non-existent stage.
	ErrStageNotFound = errors.New("stage not found")

	// ErrNoPathToEnd indicates no path exists from the entry point to END.
	ErrNoPathToEnd = errors.New("no path to END from entry")
)

// Sentinel errors for execution.
var (
	// ErrMaxIterations indicates the execution loop exceeded the
	// configured limit.
	ErrMaxIterations = errors.New("exceeded maximum iterations")

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidRouteResult indicates a route function returned an
	// empty string.
	ErrInvalidRouteResult = errors.New("route returned empty string")

	// ErrRouteTargetNotFound indicates a route function returned an
	// unknown stage ID.
	ErrRouteTargetNotFound = errors.New("route returned unknown stage")
)

// Sentinel errors for turn input validation.
var (
	// ErrSessionIDRequired indicates a turn was started without a
	// session id.
	ErrSessionIDRequired = errors.New("session id is required")

	// ErrQuestionRequired indicates a turn was started with an empty
	// question.
	ErrQuestionRequired = errors.New("question is required")
)

// Sentinel errors for stage preconditions.
var (
	// ErrNoSchema indicates a stage requiring the data dictionary ran
	// without one.
	ErrNoSchema = errors.New("no data dictionary provided")

	// ErrNoQuery indicates run-query started without a generated query.
	ErrNoQuery = errors.New("no sql query to execute")

	// ErrNoDataSource indicates run-query started without a live data
	// source.
	ErrNoDataSource = errors.New("no data source provided")
)

// StageError wraps an error with stage context.
type StageError struct {
	// StageID is the identifier of the stage that failed.
	StageID string
	// Op is the operation that failed (e.g., "execute").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.StageID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from stage execution.
type PanicError struct {
	// StageID is the identifier of the stage that panicked.
	StageID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.StageID, e.Value)
}

// RouteError wraps errors from conditional edge routing.
type RouteError struct {
	// FromStage is the stage with the conditional edge.
	FromStage string
	// Returned is the value the route function returned.
	Returned string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("route from %s returned %q: %v", e.FromStage, e.Returned, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouteError) Unwrap() error {
	return e.Err
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// SessionID is the session whose checkpoint failed.
	SessionID string
	// Op is the operation that failed ("serialize", "marshal", "save",
	// "load").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// CancellationError captures the point where execution was cancelled.
type CancellationError struct {
	// StageID is the stage that was about to execute.
	StageID string
	// Cause is the underlying cancellation cause.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled before stage %s: %v", e.StageID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// MaxIterationsError provides context when the loop limit is exceeded.
type MaxIterationsError struct {
	// Max is the configured iteration limit.
	Max int
	// LastStageID is the stage that would have executed next.
	LastStageID string
}

// Error implements the error interface.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at stage %s", e.Max, e.LastStageID)
}

// Unwrap returns ErrMaxIterations for errors.Is support.
func (e *MaxIterationsError) Unwrap() error {
	return ErrMaxIterations
}
