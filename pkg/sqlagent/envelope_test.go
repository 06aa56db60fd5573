package sqlagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContained_PassThrough verifies success passes untouched.
func TestContained_PassThrough(t *testing.T) {
	fn := contained("stage", func(ctx Context, s SessionState) (Update, error) {
		return Update{Answer: strp("fine")}, nil
	})

	update, err := fn(testCtx(), SessionState{})
	require.NoError(t, err)
	require.NotNil(t, update.Answer)
	assert.Equal(t, "fine", *update.Answer)
	assert.Nil(t, update.IsError)
}

// TestContained_Error verifies an error becomes a diagnostic update.
func TestContained_Error(t *testing.T) {
	fn := contained("run_query", makeFailingStage(errScripted))

	update, err := fn(testCtx(), SessionState{})
	require.NoError(t, err) // never propagates

	require.NotNil(t, update.IsError)
	assert.True(t, *update.IsError)
	assert.Equal(t, "run_query_error", *update.ErrorType)
	assert.Equal(t, errScripted.Error(), *update.ErrorMessage)
	assert.NotEmpty(t, *update.StackTrace)
	assert.Equal(t, "Failed to execute: [run_query] - scripted failure", *update.Answer)
}

// TestContained_Panic verifies a panic is recovered with its stack.
func TestContained_Panic(t *testing.T) {
	fn := contained("generate_query", makePanicStage("boom"))

	update, err := fn(testCtx(), SessionState{})
	require.NoError(t, err)

	require.NotNil(t, update.IsError)
	assert.True(t, *update.IsError)
	assert.Equal(t, "generate_query_error", *update.ErrorType)
	assert.Contains(t, *update.ErrorMessage, "boom")
	assert.Contains(t, *update.StackTrace, "goroutine")
	assert.Contains(t, *update.Answer, "Failed to execute: [generate_query]")
}

// TestContained_NilPointerPanic verifies runtime panics are contained too.
func TestContained_NilPointerPanic(t *testing.T) {
	fn := contained("stage", func(ctx Context, s SessionState) (Update, error) {
		var p *SessionState
		return Update{Question: strp(p.Question)}, nil //nolint:staticcheck
	})

	update, err := fn(testCtx(), SessionState{})
	require.NoError(t, err)
	require.NotNil(t, update.IsError)
	assert.True(t, *update.IsError)
}

// TestTimed_NeverAltersOutput verifies the timing wrapper is transparent.
func TestTimed_NeverAltersOutput(t *testing.T) {
	fn := timed("stage", func(ctx Context, s SessionState) (Update, error) {
		return Update{SQLQuery: strp("SELECT 1")}, errScripted
	})

	update, err := fn(testCtx(), SessionState{})
	assert.ErrorIs(t, err, errScripted)
	require.NotNil(t, update.SQLQuery)
	assert.Equal(t, "SELECT 1", *update.SQLQuery)
}

// TestInstrumented_ContainsAndTimes verifies the composed envelope.
func TestInstrumented_ContainsAndTimes(t *testing.T) {
	fn := instrumented("summarize_result", makeFailingStage(errScripted))

	update, err := fn(testCtx(), SessionState{})
	require.NoError(t, err)
	require.NotNil(t, update.IsError)
	assert.True(t, *update.IsError)
	assert.Equal(t, "summarize_result_error", *update.ErrorType)
}
