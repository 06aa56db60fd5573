package sqlagent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/checkpoint"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/datasource"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// newQueryPathClient scripts the three completions of the query branch.
func newQueryPathClient() *fakeClient {
	return newFakeClient().
		on("Classify whether", "relevant").
		on("SQL expert", "```sql\nSELECT country, SUM(total) FROM invoices GROUP BY country ORDER BY 2 DESC LIMIT 1\n```").
		on("natural-language answer", "USA customers spent the most, $523.06 in total.")
}

func spendingSource() *fakeSource {
	return &fakeSource{Result: &datasource.Result{
		Columns: []string{"country", "total"},
		Rows:    []datasource.Row{{"country": "USA", "total": 523.06}},
	}}
}

// TestAgent_RunTurn_QueryBranch walks the full relevant path.
func TestAgent_RunTurn_QueryBranch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	result, err := agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	assert.False(t, result.IsError)
	assert.Equal(t, 1, result.Turn)
	assert.Contains(t, result.SQLQuery, "SELECT country")
	assert.NotContains(t, result.SQLQuery, "```")
	assert.Len(t, result.QueryResult, 1)
	assert.Equal(t, "USA customers spent the most, $523.06 in total.", result.Answer)

	// Persisted state reflects the completed turn.
	state, err := agent.State("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Which country's customers spent the most?", state.PrevQuestion)
	assert.Equal(t, result.SQLQuery, state.PrevSQL)
	assert.Equal(t, result.Answer, state.PrevSummary)
	assert.Len(t, state.Messages, 3) // question, raw SQL reply, answer
}

// TestAgent_RunTurn_MemoryBranch walks the irrelevant path and checks
// the lookback window stays put.
func TestAgent_RunTurn_MemoryBranch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := newQueryPathClient().
		on("helpful assistant", "I can't check the weather, but ask me about your data.")

	agent, err := NewAgent(client, WithCheckpointStore(store))
	require.NoError(t, err)

	// First turn through the query branch establishes prev_*.
	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	// Reroute the classifier for the second turn.
	client.rules[0] = fakeRule{contains: "Classify whether", reply: "irrelevant"}

	result, err := agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "What's the weather today?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	assert.False(t, result.IsError)
	assert.Equal(t, 2, result.Turn)
	assert.Empty(t, result.SQLQuery)
	assert.Contains(t, result.Answer, "weather")

	state, err := agent.State("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Which country's customers spent the most?", state.PrevQuestion)
}

// TestAgent_RunTurn_FollowUp verifies the second turn's SQL prompt sees
// the lookback window.
func TestAgent_RunTurn_FollowUp(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := newQueryPathClient()
	agent, err := NewAgent(client, WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "And the least?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	found := false
	for _, call := range client.Calls {
		if strings.Contains(call, "Previous question: Which country's customers spent the most?") {
			found = true
		}
	}
	assert.True(t, found, "follow-up SQL prompt should carry the lookback window")
}

// TestAgent_RunTurn_StageFailureContained verifies a data source error
// comes back as a contained result, not an error.
func TestAgent_RunTurn_StageFailureContained(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	result, err := agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    &fakeSource{Err: errScripted},
	})
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Equal(t, "run_query_error", result.ErrorType)
	assert.Equal(t, errScripted.Error(), result.ErrorMessage)
	assert.Contains(t, result.Answer, "Failed to execute: [run_query]")

	// The failed turn did not advance the lookback window.
	state, err := agent.State("sess-1")
	require.NoError(t, err)
	assert.Empty(t, state.PrevQuestion)
}

// TestAgent_RunTurn_RecoversAfterFailure verifies the session keeps
// working after a contained error.
func TestAgent_RunTurn_RecoversAfterFailure(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    &fakeSource{Err: errScripted},
	})
	require.NoError(t, err)

	result, err := agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	assert.False(t, result.IsError)
	assert.Empty(t, result.ErrorType)
	assert.NotEmpty(t, result.Answer)
}

// TestAgent_RunTurn_RestartPersistence verifies a new agent over the
// same store continues the session.
func TestAgent_RunTurn_RestartPersistence(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent1, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = agent1.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	client2 := newQueryPathClient()
	agent2, err := NewAgent(client2, WithCheckpointStore(store))
	require.NoError(t, err)

	result, err := agent2.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "And the least?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Turn)

	found := false
	for _, call := range client2.Calls {
		if strings.Contains(call, "Previous question:") {
			found = true
		}
	}
	assert.True(t, found)
}

// TestAgent_RunTurn_InputValidation verifies required inputs.
func TestAgent_RunTurn_InputValidation(t *testing.T) {
	agent, err := NewAgent(newFakeClient())
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{Question: "q"})
	assert.ErrorIs(t, err, ErrSessionIDRequired)

	_, err = agent.RunTurn(context.Background(), TurnInput{SessionID: "s"})
	assert.ErrorIs(t, err, ErrQuestionRequired)
}

// TestAgent_RunTurn_InvalidFilter verifies filters are rejected before
// any generation happens.
func TestAgent_RunTurn_InvalidFilter(t *testing.T) {
	client := newFakeClient()
	agent, err := NewAgent(client)
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "q",
		Schema:    testSchema(),
		Filters: []schema.Filter{{
			Table:     "customers",
			Column:    "country",
			Allowed:   []any{"USA"},
			Forbidden: []any{"Brazil"},
		}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrFilterConflict)
	assert.Zero(t, client.callCount())
}

// TestAgent_RunTurn_NoStore verifies the agent works without
// checkpointing.
func TestAgent_RunTurn_NoStore(t *testing.T) {
	agent, err := NewAgent(newQueryPathClient())
	require.NoError(t, err)

	result, err := agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.NotEmpty(t, result.Answer)
}

// TestAgent_AssignTags verifies post-hoc tagging persists labels.
func TestAgent_AssignTags(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := newQueryPathClient().
		on("topic labels", "sales\nrevenue by country")

	agent, err := NewAgent(client, WithCheckpointStore(store), WithMaxTags(2))
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	tags, err := agent.AssignTags(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales", "revenue by country"}, tags)

	state, err := agent.State("sess-1")
	require.NoError(t, err)
	assert.Equal(t, tags, state.Tags)
}

// TestAgent_AssignTags_GeneratorFailure verifies tagging surfaces the
// error without corrupting stored state.
func TestAgent_AssignTags_GeneratorFailure(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	client := newQueryPathClient()
	agent, err := NewAgent(client, WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	client.Err = errScripted
	_, err = agent.AssignTags(context.Background(), "sess-1")
	require.Error(t, err)

	client.Err = nil
	state, err := agent.State("sess-1")
	require.NoError(t, err)
	assert.False(t, state.IsError)
	assert.Empty(t, state.Tags)
}

// TestAgent_Sessions lists stored sessions.
func TestAgent_Sessions(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = agent.RunTurn(context.Background(), TurnInput{
		SessionID: "sess-1",
		Question:  "Which country's customers spent the most?",
		Schema:    testSchema(),
		Source:    spendingSource(),
	})
	require.NoError(t, err)

	infos, err := agent.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "sess-1", infos[0].SessionID)
}

// TestAgent_ConcurrentSessions verifies distinct sessions run in
// parallel without racing on shared state.
func TestAgent_ConcurrentSessions(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	agent, err := NewAgent(newQueryPathClient(), WithCheckpointStore(store))
	require.NoError(t, err)

	const sessions = 8
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		go func(n int) {
			_, err := agent.RunTurn(context.Background(), TurnInput{
				SessionID: "sess-" + string(rune('a'+n)),
				Question:  "Which country's customers spent the most?",
				Schema:    testSchema(),
				Source:    spendingSource(),
			})
			errs <- err
		}(i)
	}
	for i := 0; i < sessions; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, sessions, store.Len())
}
