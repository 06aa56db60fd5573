// Package observability provides structured logging, metrics, and tracing
// for the session pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds session context to a logger.
// Returns a new logger with session_id and stage_id fields.
func EnrichLogger(logger *slog.Logger, sessionID, stageID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("session_id", sessionID),
		slog.String("stage_id", stageID),
	)
}

// LogTurnStart logs the start of a session turn.
func LogTurnStart(logger *slog.Logger, sessionID, question string) {
	if logger == nil {
		return
	}
	logger.Info("turn starting",
		slog.String("session_id", sessionID),
		slog.String("question", question),
	)
}

// LogTurnComplete logs successful turn completion.
func LogTurnComplete(logger *slog.Logger, sessionID string, durationMs float64, stageCount int) {
	if logger == nil {
		return
	}
	logger.Info("turn completed",
		slog.String("session_id", sessionID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("stages_executed", stageCount),
	)
}

// LogTurnError logs turn failure.
func LogTurnError(logger *slog.Logger, sessionID string, err error, durationMs float64, lastStage string) {
	if logger == nil {
		return
	}
	logger.Error("turn failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_stage", lastStage),
	)
}

// LogStageStart logs stage execution start.
func LogStageStart(logger *slog.Logger, stageID string) {
	if logger == nil {
		return
	}
	logger.Debug("stage starting",
		slog.String("stage_id", stageID),
	)
}

// LogStageComplete logs successful stage completion.
func LogStageComplete(logger *slog.Logger, stageID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("stage completed",
		slog.String("stage_id", stageID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStageError logs a contained stage failure.
func LogStageError(logger *slog.Logger, stageID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("stage failed",
		slog.String("stage_id", stageID),
		slog.String("error", err.Error()),
	)
}

// LogRouteDecision logs which branch the router picked.
func LogRouteDecision(logger *slog.Logger, classification, target string) {
	if logger == nil {
		return
	}
	logger.Info("branch selected",
		slog.String("classification", classification),
		slog.String("target", target),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, sessionID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("session_id", sessionID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, sessionID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("session_id", sessionID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCompaction logs a history compaction.
func LogCompaction(logger *slog.Logger, before, after int) {
	if logger == nil {
		return
	}
	logger.Debug("history compacted",
		slog.Int("messages_before", before),
		slog.Int("messages_after", after),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
