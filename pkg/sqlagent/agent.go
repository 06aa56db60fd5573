package sqlagent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/checkpoint"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/datasource"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/memory"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/observability"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// Default agent settings.
const (
	// DefaultMaxRows caps how many rows are rendered for prompting.
	DefaultMaxRows = 50

	// DefaultCallTimeout bounds each external call (generator or data
	// source) within a turn.
	DefaultCallTimeout = 60 * time.Second

	// DefaultMaxTags caps labels produced by tag assignment.
	DefaultMaxTags = 5
)

// Agent runs conversational question/answer turns against structured
// data sources. One Agent serves many sessions concurrently; turns for
// the same session are serialized.
type Agent struct {
	client        llm.Client
	prompts       *PromptManager
	store         checkpoint.Store
	compactor     Compactor
	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	maxRows       int
	sqlExamples   string
	tagList       []string
	maxTags       int
	callTimeout   time.Duration
	maxIterations int

	// compactorSet records an explicit WithCompactor call, including
	// WithCompactor(nil) to disable compaction.
	compactorSet bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithPromptManager overrides the built-in prompt templates.
func WithPromptManager(pm *PromptManager) AgentOption {
	return func(a *Agent) {
		if pm != nil {
			a.prompts = pm
		}
	}
}

// WithCheckpointStore enables durable session state. Without a store
// the agent still works, but sessions do not survive restarts.
func WithCheckpointStore(store checkpoint.Store) AgentOption {
	return func(a *Agent) {
		a.store = store
	}
}

// WithCompactor overrides the history compactor used by the memory
// branch. Pass nil to disable compaction entirely.
func WithCompactor(c Compactor) AgentOption {
	return func(a *Agent) {
		a.compactor = c
		a.compactorSet = true
	}
}

// WithMaxRows caps rendered rows in query_result_str. Default: 50
func WithMaxRows(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxRows = n
		}
	}
}

// WithSQLExamples injects few-shot examples into the SQL prompt.
func WithSQLExamples(examples string) AgentOption {
	return func(a *Agent) {
		a.sqlExamples = examples
	}
}

// WithTagList constrains tag assignment to prefer the given labels.
func WithTagList(tags []string) AgentOption {
	return func(a *Agent) {
		a.tagList = tags
	}
}

// WithMaxTags caps labels produced by tag assignment. Default: 5
func WithMaxTags(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxTags = n
		}
	}
}

// WithAgentLogger sets the structured logger. Default: slog.Default()
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAgentMetrics sets the metrics recorder for all turns.
func WithAgentMetrics(m observability.MetricsRecorder) AgentOption {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithAgentSpans enables tracing for all turns.
func WithAgentSpans(s observability.SpanManager) AgentOption {
	return func(a *Agent) {
		a.spans = s
	}
}

// WithCallTimeout bounds each external call within a turn. A timeout
// surfaces as a contained stage failure. Default: 60s
func WithCallTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// NewAgent creates an agent backed by the given generator.
// By default history compaction uses a Summarizer sized to the
// generator's context window.
func NewAgent(client llm.Client, opts ...AgentOption) (*Agent, error) {
	if client == nil {
		return nil, errors.New("llm client is required")
	}

	a := &Agent{
		client:        client,
		prompts:       DefaultPrompts(),
		logger:        slog.Default(),
		metrics:       observability.NoopMetrics{},
		maxRows:       DefaultMaxRows,
		maxTags:       DefaultMaxTags,
		callTimeout:   DefaultCallTimeout,
		maxIterations: DefaultMaxIterations,
		locks:         make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(a)
	}
	if !a.compactorSet {
		a.compactor = memory.NewSummarizer(client, memory.WithLogger(a.logger))
	}

	return a, nil
}

// TurnInput is one question for a session.
type TurnInput struct {
	// SessionID keys durable state and per-session serialization.
	SessionID string

	// Question is the user's natural-language question.
	Question string

	// Schema is the data dictionary the generator queries against.
	// Required for the query branch and the memory branch.
	Schema *schema.DataDictionary

	// Filters constrain generated queries. Validated before the turn
	// starts.
	Filters []schema.Filter

	// Source executes generated queries. May change between turns of
	// the same session.
	Source datasource.DataSource
}

// TurnResult is the outcome of one turn, successful or contained.
type TurnResult struct {
	Question       string
	SQLQuery       string
	QueryResult    []datasource.Row
	QueryResultStr string
	Answer         string
	Summary        string

	IsError      bool
	ErrorType    string
	ErrorMessage string
	StackTrace   string

	// Turn counts completed cycles for the session, starting at 1.
	Turn int
}

// RunTurn executes one question/answer cycle for a session: load prior
// state, route, run exactly one branch, persist, answer.
//
// A stage failure does not return an error here; it returns a result
// with IsError set and a synthesized failure answer. Errors are
// reserved for invalid input and infrastructure faults (cancellation,
// fatal checkpoint failures).
func (a *Agent) RunTurn(ctx context.Context, input TurnInput) (*TurnResult, error) {
	if input.SessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if input.Question == "" {
		return nil, ErrQuestionRequired
	}
	for _, f := range input.Filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := a.lockSession(input.SessionID)
	defer unlock()

	state, lastTurn, err := a.loadState(input.SessionID)
	if err != nil {
		return nil, err
	}
	turnNo := lastTurn + 1

	// Per-turn reset. Durable fields (messages, summary, prev_*, tags)
	// carry over; everything produced by a single turn starts clean.
	state.Question = input.Question
	state.SQLQuery = ""
	state.Answer = ""
	state.QueryResult = nil
	state.QueryResultStr = ""
	state.IsError = false
	state.ErrorType = ""
	state.ErrorMessage = ""
	state.StackTrace = ""
	state.Schema = input.Schema
	state.Filters = input.Filters

	t := a.newTurn(input.Source)
	compiled, err := a.buildGraph(t)
	if err != nil {
		return nil, err
	}

	ectx := NewContext(ctx,
		WithLogger(a.logger),
		WithSessionID(input.SessionID),
	)

	runOpts := []RunOption{
		WithMaxIterations(a.maxIterations),
		WithMetrics(a.metrics),
		withTurn(turnNo),
	}
	if a.store != nil {
		runOpts = append(runOpts, WithStore(a.store))
	}
	if a.spans != nil {
		runOpts = append(runOpts, WithSpans(a.spans))
	}

	final, err := compiled.Run(ectx, state, runOpts...)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Question:       final.Question,
		SQLQuery:       final.SQLQuery,
		QueryResult:    final.QueryResult,
		QueryResultStr: final.QueryResultStr,
		Answer:         final.Answer,
		Summary:        final.Summary,
		IsError:        final.IsError,
		ErrorType:      final.ErrorType,
		ErrorMessage:   final.ErrorMessage,
		StackTrace:     final.StackTrace,
		Turn:           turnNo,
	}, nil
}

// AssignTags labels a session from its stored history and persists the
// labels. It runs outside the turn graph so callers can tag sessions
// lazily (e.g. when listing them).
func (a *Agent) AssignTags(ctx context.Context, sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	unlock := a.lockSession(sessionID)
	defer unlock()

	state, lastTurn, err := a.loadState(sessionID)
	if err != nil {
		return nil, err
	}

	t := a.newTurn(nil)
	ectx := NewContext(ctx,
		WithLogger(a.logger),
		WithSessionID(sessionID),
	).(*executionContext).withStageID(StageAssignTags)

	update, err := t.assignTags(ectx, state)
	if err != nil {
		observability.LogStageError(a.logger, StageAssignTags, err)
		return nil, &StageError{StageID: StageAssignTags, Op: "execute", Err: err}
	}
	update.Apply(&state)

	if a.store != nil {
		if err := a.persistState(sessionID, StageAssignTags, lastTurn, state); err != nil {
			return nil, err
		}
	}

	return state.Tags, nil
}

// State returns the stored state for a session, or an empty state if
// none exists yet.
func (a *Agent) State(sessionID string) (SessionState, error) {
	if sessionID == "" {
		return SessionState{}, ErrSessionIDRequired
	}

	unlock := a.lockSession(sessionID)
	defer unlock()

	state, _, err := a.loadState(sessionID)
	return state, err
}

// Sessions lists stored sessions, most recently updated first.
func (a *Agent) Sessions() ([]checkpoint.Info, error) {
	if a.store == nil {
		return []checkpoint.Info{}, nil
	}
	return a.store.List()
}

// newTurn assembles the collaborators for one cycle, wrapping external
// calls with the configured timeout.
func (a *Agent) newTurn(source datasource.DataSource) *turn {
	t := &turn{
		client:      &timeoutClient{inner: a.client, timeout: a.callTimeout},
		prompts:     a.prompts,
		compactor:   a.compactor,
		maxRows:     a.maxRows,
		sqlExamples: a.sqlExamples,
		tagList:     a.tagList,
		maxTags:     a.maxTags,
	}
	if source != nil {
		t.source = &timeoutSource{inner: source, timeout: a.callTimeout}
	}
	return t
}

// buildGraph wires the fixed topology: route → {query branch, memory
// branch}, with every stage wrapped in the timing and error envelopes.
func (a *Agent) buildGraph(t *turn) (*CompiledGraph, error) {
	return NewGraph().
		AddStage(StageRoute, instrumented(StageRoute, t.routeStage)).
		AddStage(StageGenerateQuery, instrumented(StageGenerateQuery, t.generateQuery)).
		AddStage(StageRunQuery, instrumented(StageRunQuery, t.runQuery)).
		AddStage(StageSummarizeResult, instrumented(StageSummarizeResult, t.summarizeResult)).
		AddStage(StageGenerateMemoryAnswer, instrumented(StageGenerateMemoryAnswer, t.generateMemoryAnswer)).
		AddConditionalEdge(StageRoute, classifyRoute(t.client, t.prompts)).
		AddEdge(StageGenerateQuery, StageRunQuery).
		AddEdge(StageRunQuery, StageSummarizeResult).
		AddEdge(StageSummarizeResult, END).
		AddEdge(StageGenerateMemoryAnswer, END).
		SetEntry(StageRoute).
		Compile()
}

// loadState retrieves the latest snapshot for a session, or an empty
// state when none exists. Returns the last completed turn number.
func (a *Agent) loadState(sessionID string) (SessionState, int, error) {
	if a.store == nil {
		return SessionState{}, 0, nil
	}

	data, err := a.store.Load(sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return SessionState{}, 0, nil
	}
	if err != nil {
		return SessionState{}, 0, &CheckpointError{SessionID: sessionID, Op: "load", Err: err}
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return SessionState{}, 0, &CheckpointError{SessionID: sessionID, Op: "load", Err: err}
	}

	var state SessionState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return SessionState{}, 0, &CheckpointError{SessionID: sessionID, Op: "load", Err: err}
	}

	return state, cp.Turn, nil
}

// persistState writes a snapshot outside the turn loop.
func (a *Agent) persistState(sessionID, stageID string, turnNo int, state SessionState) error {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return &CheckpointError{SessionID: sessionID, Op: "serialize", Err: err}
	}
	data, err := checkpoint.New(sessionID, stageID, turnNo, stateBytes).Marshal()
	if err != nil {
		return &CheckpointError{SessionID: sessionID, Op: "marshal", Err: err}
	}
	if err := a.store.Save(sessionID, data); err != nil {
		return &CheckpointError{SessionID: sessionID, Op: "save", Err: err}
	}
	observability.LogCheckpoint(a.logger, sessionID, len(data))
	return nil
}

// lockSession serializes turns per session id. Distinct sessions run
// concurrently.
func (a *Agent) lockSession(sessionID string) func() {
	a.mu.Lock()
	lock, ok := a.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[sessionID] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// timeoutClient bounds each completion call.
type timeoutClient struct {
	inner   llm.Client
	timeout time.Duration
}

func (c *timeoutClient) Complete(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.Complete(ctx, messages)
}

func (c *timeoutClient) ContextWindow() int {
	return c.inner.ContextWindow()
}

// timeoutSource bounds each query execution.
type timeoutSource struct {
	inner   datasource.DataSource
	timeout time.Duration
}

func (s *timeoutSource) Execute(ctx context.Context, query string) (*datasource.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Execute(ctx, query)
}
