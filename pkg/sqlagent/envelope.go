package sqlagent

import (
	"fmt"
	"runtime/debug"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/observability"
)

// contained wraps a stage so failures never escape the turn. An error or
// panic inside the stage becomes a diagnostic update: is_error is set,
// error_type is derived from the stage ID, and the answer is replaced by
// a uniform failure message. The executor terminates the turn when it
// sees the flag.
//
// The wrapped stage never returns a non-nil error.
func contained(stageID string, fn StageFunc) StageFunc {
	return func(ctx Context, state SessionState) (update Update, _ error) {
		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{
					StageID: stageID,
					Value:   r,
					Stack:   string(debug.Stack()),
				}
				observability.LogStageError(ctx.Logger(), stageID, perr)
				update = errorUpdate(stageID, perr, perr.Stack)
			}
		}()

		update, err := fn(ctx, state)
		if err != nil {
			observability.LogStageError(ctx.Logger(), stageID, err)
			return errorUpdate(stageID, err, fmt.Sprintf("%+v", err)), nil
		}
		return update, nil
	}
}

// errorUpdate builds the diagnostic update for a contained failure.
func errorUpdate(stageID string, err error, stack string) Update {
	return Update{
		IsError:      boolp(true),
		ErrorType:    strp(stageID + "_error"),
		ErrorMessage: strp(err.Error()),
		StackTrace:   strp(stack),
		Answer:       strp(fmt.Sprintf("Failed to execute: [%s] - %v", stageID, err)),
	}
}

// timed wraps a stage with duration logging. The envelope logs at debug
// level with the stage ID and elapsed milliseconds; success and failure
// paths are both covered because the measurement happens in a defer.
func timed(stageID string, fn StageFunc) StageFunc {
	return func(ctx Context, state SessionState) (Update, error) {
		elapsed := observability.TimedOperation()
		defer func() {
			ctx.Logger().Debug("stage timing",
				"stage_id", stageID,
				"duration_ms", elapsed(),
			)
		}()
		return fn(ctx, state)
	}
}

// instrumented composes the standard stage envelopes: timing outermost,
// error containment inside, so the timing log also covers failed runs.
func instrumented(stageID string, fn StageFunc) StageFunc {
	return timed(stageID, contained(stageID, fn))
}
