package sqlagent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/datasource"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// Shared fixtures used across tests.

// fakeClient is a scripted generator. Replies are matched by rule in
// order; unmatched prompts fall back to Default.
type fakeClient struct {
	mu      sync.Mutex
	rules   []fakeRule
	Default string
	Err     error
	// Calls records the last message content of each completion.
	Calls []string
}

type fakeRule struct {
	contains string
	reply    string
	err      error
}

func newFakeClient() *fakeClient {
	return &fakeClient{Default: "ok"}
}

// on registers a reply for prompts containing the given substring.
func (c *fakeClient) on(contains, reply string) *fakeClient {
	c.rules = append(c.rules, fakeRule{contains: contains, reply: reply})
	return c
}

// failOn registers an error for prompts containing the given substring.
func (c *fakeClient) failOn(contains string, err error) *fakeClient {
	c.rules = append(c.rules, fakeRule{contains: contains, err: err})
	return c
}

func (c *fakeClient) Complete(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.Message{}, err
	}

	var all strings.Builder
	for _, m := range messages {
		all.WriteString(m.Content)
		all.WriteString("\n")
	}
	c.Calls = append(c.Calls, all.String())

	if c.Err != nil {
		return llm.Message{}, c.Err
	}
	for _, rule := range c.rules {
		if strings.Contains(all.String(), rule.contains) {
			if rule.err != nil {
				return llm.Message{}, rule.err
			}
			return llm.Assistant(rule.reply), nil
		}
	}
	return llm.Assistant(c.Default), nil
}

func (c *fakeClient) ContextWindow() int {
	return 8192
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// fakeSource returns canned rows or a scripted error.
type fakeSource struct {
	Result  *datasource.Result
	Err     error
	Queries []string
}

func (s *fakeSource) Execute(ctx context.Context, query string) (*datasource.Result, error) {
	s.Queries = append(s.Queries, query)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return &datasource.Result{Columns: []string{}, Rows: []datasource.Row{}}, nil
}

// testSchema is a minimal valid data dictionary.
func testSchema() *schema.DataDictionary {
	return &schema.DataDictionary{
		Database: "SQLite",
		Tables: []schema.Table{
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", DataType: "integer", Description: "customer id"},
					{Name: "country", DataType: "text", Description: "customer country", Examples: []any{"USA", "Brazil"}},
				},
			},
			{
				Name: "invoices",
				Columns: []schema.Column{
					{Name: "customer_id", DataType: "integer", Description: "customer"},
					{Name: "total", DataType: "real", Description: "invoice total"},
				},
			},
		},
	}
}

// testTurn builds a turn around the given collaborators with defaults.
func testTurn(client llm.Client, source datasource.DataSource) *turn {
	return &turn{
		client:  client,
		prompts: DefaultPrompts(),
		source:  source,
		maxRows: 10,
		maxTags: 5,
	}
}

// noUpdate is a stage that changes nothing.
func noUpdate(ctx Context, s SessionState) (Update, error) {
	return Update{}, nil
}

// makeTrackingStage records execution order.
func makeTrackingStage(name string, tracker *[]string) StageFunc {
	return func(ctx Context, s SessionState) (Update, error) {
		*tracker = append(*tracker, name)
		return Update{Answer: strp(name)}, nil
	}
}

// makeFailingStage returns the given error.
func makeFailingStage(err error) StageFunc {
	return func(ctx Context, s SessionState) (Update, error) {
		return Update{}, err
	}
}

// makePanicStage panics with the given value.
func makePanicStage(value any) StageFunc {
	return func(ctx Context, s SessionState) (Update, error) {
		panic(value)
	}
}

// testCtx creates a simple test context.
func testCtx() Context {
	return NewContext(context.Background())
}

// errScripted marks deliberate test failures.
var errScripted = errors.New("scripted failure")
