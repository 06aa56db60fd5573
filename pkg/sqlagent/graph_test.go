package sqlagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewGraph verifies basic graph creation.
func TestNewGraph(t *testing.T) {
	graph := NewGraph()
	assert.NotNil(t, graph)
	assert.NotNil(t, graph.stages)
	assert.NotNil(t, graph.edges)
	assert.NotNil(t, graph.conditionalEdges)
	assert.Empty(t, graph.entryPoint)
}

// TestGraph_AddStage_Chaining tests fluent API chaining.
func TestGraph_AddStage_Chaining(t *testing.T) {
	graph := NewGraph()
	result := graph.AddStage("a", noUpdate)
	assert.Same(t, graph, result)
}

// TestGraph_AddStage_EmptyID_Panics tests that empty stage ID panics.
func TestGraph_AddStage_EmptyID_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "sqlagent: stage ID cannot be empty", func() {
		NewGraph().AddStage("", noUpdate)
	})
}

// TestGraph_AddStage_ReservedID_Panics tests that reserved IDs panic.
func TestGraph_AddStage_ReservedID_Panics(t *testing.T) {
	testCases := []struct {
		name string
		id   string
	}{
		{"END uppercase", "END"},
		{"end lowercase", "end"},
		{"__end__ literal", "__end__"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.PanicsWithValue(t, "sqlagent: stage ID cannot be reserved word 'END'", func() {
				NewGraph().AddStage(tc.id, noUpdate)
			})
		})
	}
}

// TestGraph_AddStage_WhitespaceID_Panics tests whitespace rejection.
func TestGraph_AddStage_WhitespaceID_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "sqlagent: stage ID cannot contain whitespace", func() {
		NewGraph().AddStage("run query", noUpdate)
	})
}

// TestGraph_AddStage_NilFunc_Panics tests that nil function panics.
func TestGraph_AddStage_NilFunc_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "sqlagent: stage function cannot be nil", func() {
		NewGraph().AddStage("a", nil)
	})
}

// TestGraph_AddStage_DuplicateID_Panics tests that duplicate IDs panic.
func TestGraph_AddStage_DuplicateID_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "sqlagent: duplicate stage ID: a", func() {
		NewGraph().
			AddStage("a", noUpdate).
			AddStage("a", noUpdate)
	})
}

// TestGraph_AddConditionalEdge_NilRoute_Panics tests nil route rejection.
func TestGraph_AddConditionalEdge_NilRoute_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "sqlagent: route function cannot be nil", func() {
		NewGraph().AddConditionalEdge("a", nil)
	})
}

// TestGraph_Compile_Valid tests compiling a valid linear pipeline.
func TestGraph_Compile_Valid(t *testing.T) {
	compiled, err := NewGraph().
		AddStage("a", noUpdate).
		AddStage("b", noUpdate).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntry("a").
		Compile()

	require.NoError(t, err)
	assert.Equal(t, "a", compiled.EntryPoint())
	assert.ElementsMatch(t, []string{"a", "b"}, compiled.StageIDs())
}

// TestGraph_Compile_NoEntry tests missing entry point.
func TestGraph_Compile_NoEntry(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", END).
		Compile()

	assert.ErrorIs(t, err, ErrNoEntryPoint)
}

// TestGraph_Compile_EntryNotFound tests entry referencing unknown stage.
func TestGraph_Compile_EntryNotFound(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", END).
		SetEntry("missing").
		Compile()

	assert.ErrorIs(t, err, ErrEntryNotFound)
}

// TestGraph_Compile_EdgeTargetNotFound tests edges to unknown stages.
func TestGraph_Compile_EdgeTargetNotFound(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", "missing").
		SetEntry("a").
		Compile()

	assert.ErrorIs(t, err, ErrStageNotFound)
}

// TestGraph_Compile_NoPathToEnd tests a pipeline that can never finish.
func TestGraph_Compile_NoPathToEnd(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddStage("b", noUpdate).
		AddEdge("a", "b").
		AddEdge("b", "a").
		SetEntry("a").
		Compile()

	assert.ErrorIs(t, err, ErrNoPathToEnd)
}

// TestGraph_Compile_ConditionalCanReachEnd tests that a conditional
// edge satisfies the path-to-END requirement.
func TestGraph_Compile_ConditionalCanReachEnd(t *testing.T) {
	compiled, err := NewGraph().
		AddStage("a", noUpdate).
		AddConditionalEdge("a", func(ctx Context, s SessionState) string { return END }).
		SetEntry("a").
		Compile()

	require.NoError(t, err)
	assert.NotNil(t, compiled)
}

// TestGraph_Compile_ConditionalSourceNotFound tests a conditional edge
// hanging off a missing stage.
func TestGraph_Compile_ConditionalSourceNotFound(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", END).
		AddConditionalEdge("missing", func(ctx Context, s SessionState) string { return END }).
		SetEntry("a").
		Compile()

	assert.ErrorIs(t, err, ErrStageNotFound)
}

// TestGraph_Compile_MultipleErrors tests that errors are joined.
func TestGraph_Compile_MultipleErrors(t *testing.T) {
	_, err := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", "missing").
		Compile()

	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.ErrorIs(t, err, ErrStageNotFound)
}

// TestGraph_Compile_Immutable tests the compiled graph does not see
// later builder mutations.
func TestGraph_Compile_Immutable(t *testing.T) {
	graph := NewGraph().
		AddStage("a", noUpdate).
		AddEdge("a", END).
		SetEntry("a")

	compiled, err := graph.Compile()
	require.NoError(t, err)

	graph.AddStage("b", noUpdate).AddEdge("a", "b")

	assert.ElementsMatch(t, []string{"a"}, compiled.StageIDs())
	assert.Equal(t, []string{END}, compiled.getEdges("a"))
}
