/*
Package sqlagent drives conversational question/answer turns against
structured data sources.

# Overview

sqlagent turns a natural-language question into a SQL query, executes
it, and summarizes the result, while remembering prior turns within a
session. Each turn runs through a small validated stage graph with two
branches: a generate-and-run-query branch for questions the schema can
answer, and a conversational-memory branch for everything else. A
classifier picks the branch; exactly one branch executes per turn.

The pipeline guarantees:
  - A failure in any single stage never crashes the session. The error
    envelope converts it into a terminal state carrying diagnostics and
    a synthesized failure answer.
  - Conversational history grows under a bounded-compaction policy
    rather than without limit.
  - Session state survives process restarts via session-keyed durable
    checkpoints with read-after-write consistency.

# Basic Usage

Create an agent around a generator, then run turns:

	client := llm.NewOpenAI("", "gpt-4o")

	store, err := checkpoint.NewSQLiteStore("./sessions.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	agent, err := sqlagent.NewAgent(client,
	    sqlagent.WithCheckpointStore(store),
	    sqlagent.WithMaxRows(20))
	if err != nil {
	    log.Fatal(err)
	}

	source, err := datasource.Open("sqlite", "./chinook.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer source.Close()

	dict, err := source.ExtractDataDictionary(ctx, "SQLite", 3)
	if err != nil {
	    log.Fatal(err)
	}

	result, err := agent.RunTurn(ctx, sqlagent.TurnInput{
	    SessionID: "demo",
	    Question:  "Which country's customers spent the most?",
	    Schema:    dict,
	    Source:    source,
	})
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(result.Answer)

Follow-up questions in the same session see a one-turn lookback window
(previous question, SQL, and summary), advanced only when the query
branch completes.

# Error Handling

RunTurn returns an error only for invalid input or infrastructure
faults. Stage failures come back as a normal TurnResult:

	result, err := agent.RunTurn(ctx, input)
	if err != nil {
	    log.Fatal(err) // bad input, cancellation, fatal checkpoint failure
	}
	if result.IsError {
	    log.Printf("%s: %s", result.ErrorType, result.ErrorMessage)
	}
	fmt.Println(result.Answer) // populated either way

The classifier is the one component that recovers silently: if the
relevance check itself fails, the turn routes to the memory branch and
completes normally.

# Thread Safety

  - One Agent serves many sessions concurrently.
  - Turns for the same session id are serialized; stages within a turn
    run strictly sequentially.
  - Graph is NOT safe for concurrent use during construction;
    CompiledGraph is immutable and safe to share.

# Subpackages

  - llm: generator interface and an OpenAI-compatible HTTP client
  - schema: data dictionary and filter models, prompt rendering
  - datasource: query execution and schema extraction over database/sql
  - checkpoint: session snapshot storage (memory, SQLite)
  - memory: token-budget-triggered history compaction
  - config: map-backed configuration loaded from YAML or JSON
  - observability: logging, metrics, and tracing helpers
*/
package sqlagent
