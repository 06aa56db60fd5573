package sqlagent

// END is the terminal stage identifier.
// Use this as an edge target to indicate the turn should terminate.
const END = "__end__"

// Stage identifiers for the fixed pipeline topology.
const (
	StageRoute                = "route"
	StageGenerateQuery        = "generate_query"
	StageRunQuery             = "run_query"
	StageSummarizeResult      = "summarize_result"
	StageGenerateMemoryAnswer = "generate_memory_answer"
	StageAssignTags           = "assign_tags"
)

// StageFunc is the signature for all stage functions.
// Stages receive the execution context and the current state, and return
// a partial update (or a full replacement from the error envelope) and
// any error.
//
// State is passed by value; stages must not rely on mutating it.
type StageFunc func(ctx Context, state SessionState) (Update, error)

// RouteFunc determines the next stage based on state.
// It is used for conditional edges where the next stage depends on the
// classification of the question.
//
// The route should return a valid stage ID or END. Returning an empty
// string or an unknown stage ID causes a runtime error.
type RouteFunc func(ctx Context, state SessionState) string
