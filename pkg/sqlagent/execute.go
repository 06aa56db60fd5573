package sqlagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/checkpoint"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/observability"
	"go.opentelemetry.io/otel/trace"
)

// Default execution limits.
const (
	// DefaultMaxIterations bounds the stage loop. The pipeline is a DAG,
	// so the limit only trips on topology bugs.
	DefaultMaxIterations = 25
)

// runConfig holds per-run execution settings.
type runConfig struct {
	maxIterations          int
	logger                 *slog.Logger
	metrics                observability.MetricsRecorder
	spans                  observability.SpanManager
	tracingEnabled         bool
	store                  checkpoint.Store
	checkpointFailureFatal bool
	turn                   int
}

func defaultRunConfig() runConfig {
	return runConfig{
		maxIterations: DefaultMaxIterations,
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
	}
}

// RunOption configures a single Run invocation.
type RunOption func(*runConfig)

// WithMaxIterations overrides the stage loop limit.
func WithMaxIterations(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithStore enables checkpointing to the given store. A snapshot is
// saved after each successful stage, keyed by the context's session ID.
func WithStore(store checkpoint.Store) RunOption {
	return func(c *runConfig) {
		c.store = store
	}
}

// WithCheckpointFailureFatal makes checkpoint save failures abort the
// run. By default they are logged and execution continues.
func WithCheckpointFailureFatal() RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = true
	}
}

// WithMetrics sets the metrics recorder for the run.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans enables tracing with the given span manager.
func WithSpans(s observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if s != nil {
			c.spans = s
			c.tracingEnabled = true
		}
	}
}

// withTurn records the turn number stamped into checkpoints.
func withTurn(n int) RunOption {
	return func(c *runConfig) {
		c.turn = n
	}
}

// Run executes the graph with the given initial state.
// Returns the final state and any error encountered.
//
// On success, returns the state after the last stage executed before
// END. On error, returns the state at the point of failure.
//
// Execution flow:
//  1. Start at the entry point stage
//  2. Check for cancellation
//  3. Execute the current stage and merge its update into the state
//  4. If the merged state carries a contained error, go to END
//  5. Otherwise determine the next stage (simple or conditional edge)
//  6. Checkpoint, then repeat until END
func (cg *CompiledGraph) Run(ctx Context, state SessionState, opts ...RunOption) (result SessionState, runErr error) {
	if ctx == nil {
		return state, ErrNilContext
	}

	cfg := defaultRunConfig()
	if cfg.logger == nil {
		cfg.logger = ctx.Logger()
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionID := ctx.SessionID()
	startTime := time.Now()

	observability.LogTurnStart(cfg.logger, sessionID, state.Question)

	var execCtx context.Context = ctx
	var turnSpan trace.Span
	if cfg.tracingEnabled {
		execCtx, turnSpan = cfg.spans.StartTurnSpan(ctx, sessionID)
		defer func() {
			cfg.spans.EndSpanWithError(turnSpan, runErr)
		}()
	}

	var stageCount int
	result, stageCount, runErr = cg.runLoop(execCtx, ctx, state, &cfg)

	duration := time.Since(startTime)
	durationMs := float64(duration.Milliseconds())

	cfg.metrics.RecordTurn(ctx, runErr == nil, duration)

	if runErr != nil {
		lastStage := ""
		switch e := runErr.(type) {
		case *StageError:
			lastStage = e.StageID
		case *MaxIterationsError:
			lastStage = e.LastStageID
		case *CancellationError:
			lastStage = e.StageID
		}
		observability.LogTurnError(cfg.logger, sessionID, runErr, durationMs, lastStage)
	} else {
		observability.LogTurnComplete(cfg.logger, sessionID, durationMs, stageCount)
	}

	return result, runErr
}

// runLoop drives the stage loop with full observability.
// tracingCtx carries span context; execCtx is the pipeline Context.
func (cg *CompiledGraph) runLoop(tracingCtx context.Context, execCtx Context, state SessionState, cfg *runConfig) (SessionState, int, error) {
	current := cg.entryPoint
	iterations := 0
	stageCount := 0

	for current != END {
		iterations++
		if iterations > cfg.maxIterations {
			return state, stageCount, &MaxIterationsError{
				Max:         cfg.maxIterations,
				LastStageID: current,
			}
		}

		select {
		case <-execCtx.Done():
			return state, stageCount, &CancellationError{
				StageID: current,
				Cause:   execCtx.Err(),
			}
		default:
		}

		observability.LogStageStart(cfg.logger, current)

		stageTracingCtx := tracingCtx
		var stageSpan trace.Span
		if cfg.tracingEnabled {
			stageTracingCtx, stageSpan = cfg.spans.StartStageSpan(tracingCtx, current)
		}

		stageStart := time.Now()

		var stageErr error
		state, stageErr = cg.executeStage(execCtx, current, state)

		stageDuration := time.Since(stageStart)
		stageDurationMs := float64(stageDuration.Milliseconds())

		cfg.metrics.RecordStageExecution(stageTracingCtx, current, stageDuration, stageErr)

		if cfg.tracingEnabled {
			cfg.spans.EndSpanWithError(stageSpan, stageErr)
		}

		if stageErr != nil {
			observability.LogStageError(cfg.logger, current, stageErr)
			return state, stageCount, stageErr
		}
		observability.LogStageComplete(cfg.logger, current, stageDurationMs)
		stageCount++

		var next string
		if state.IsError {
			// A contained error replaces routing: the envelope already
			// produced the diagnostic answer, so the turn terminates.
			next = END
		} else {
			var err error
			next, err = cg.nextStage(execCtx, state, current)
			if err != nil {
				return state, stageCount, err
			}
		}

		if cfg.store != nil {
			if err := cg.saveCheckpoint(execCtx, cfg, current, state); err != nil {
				return state, stageCount, err
			}
		}

		current = next
	}

	return state, stageCount, nil
}

// saveCheckpoint persists the current state after a stage execution.
// Failures are logged and skipped unless checkpointFailureFatal is set.
func (cg *CompiledGraph) saveCheckpoint(ctx Context, cfg *runConfig, stageID string, state SessionState) error {
	sessionID := ctx.SessionID()

	stateBytes, err := json.Marshal(state)
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{SessionID: sessionID, Op: "serialize", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, sessionID, "serialize", err)
		return nil
	}

	cp := checkpoint.New(sessionID, stageID, cfg.turn, stateBytes)
	data, err := cp.Marshal()
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{SessionID: sessionID, Op: "marshal", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, sessionID, "marshal", err)
		return nil
	}

	if err := cfg.store.Save(sessionID, data); err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{SessionID: sessionID, Op: "save", Err: err}
		}
		observability.LogCheckpointError(cfg.logger, sessionID, "save", err)
		return nil
	}

	sizeBytes := len(data)
	observability.LogCheckpoint(cfg.logger, sessionID, sizeBytes)
	cfg.metrics.RecordCheckpoint(ctx, sessionID, int64(sizeBytes))

	return nil
}

// executeStage runs a single stage and merges its update into the state.
// Stage functions are wrapped by the error envelope at graph-build time,
// so an error return here indicates an infrastructure failure, not a
// contained stage failure.
func (cg *CompiledGraph) executeStage(ctx Context, stageID string, state SessionState) (SessionState, error) {
	fn, exists := cg.getStage(stageID)
	if !exists {
		// Unreachable if compilation succeeded.
		return state, &StageError{StageID: stageID, Op: "lookup", Err: ErrStageNotFound}
	}

	stageCtx := ctx
	if ec, ok := ctx.(*executionContext); ok {
		stageCtx = ec.withStageID(stageID)
	}

	update, err := fn(stageCtx, state)
	if err != nil {
		return state, &StageError{StageID: stageID, Op: "execute", Err: err}
	}

	update.Apply(&state)
	return state, nil
}

// nextStage determines the next stage to execute.
// Conditional edges take precedence over simple edges.
func (cg *CompiledGraph) nextStage(ctx Context, state SessionState, current string) (string, error) {
	if route, exists := cg.getRoute(current); exists {
		routeCtx := ctx
		if ec, ok := ctx.(*executionContext); ok {
			routeCtx = ec.withStageID(current)
		}

		next := route(routeCtx, state)

		if next == "" {
			return "", &RouteError{
				FromStage: current,
				Returned:  next,
				Err:       ErrInvalidRouteResult,
			}
		}

		if next != END {
			if _, exists := cg.getStage(next); !exists {
				return "", &RouteError{
					FromStage: current,
					Returned:  next,
					Err:       ErrRouteTargetNotFound,
				}
			}
		}

		return next, nil
	}

	edges := cg.getEdges(current)
	if len(edges) == 0 {
		// Unreachable if compilation succeeded.
		return "", &StageError{StageID: current, Op: "routing", Err: ErrNoPathToEnd}
	}

	return edges[0], nil
}
