package sqlagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/datasource"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// Compactor bounds conversational history growth. The memory-answer
// stage invokes it before prompting; histories under the policy's
// trigger come back unchanged.
type Compactor interface {
	Compact(ctx context.Context, history []llm.Message) ([]llm.Message, error)
}

// turn carries the collaborators for one question/answer cycle. The
// graph is rebuilt per turn around this value so the data source can
// vary between calls without synchronizing on the agent.
type turn struct {
	client      llm.Client
	prompts     *PromptManager
	source      datasource.DataSource
	compactor   Compactor
	maxRows     int
	sqlExamples string
	tagList     []string
	maxTags     int
}

// routeStage is the entry stage. It performs no state change; the
// branch decision lives on its conditional edge so routing stays a
// pure, separately testable function.
func (t *turn) routeStage(ctx Context, state SessionState) (Update, error) {
	ctx.Logger().Debug("classifying question", "question", state.Question)
	return Update{}, nil
}

// generateQuery renders the SQL prompt from the data dictionary,
// filters, and the one-turn lookback window, then asks the generator
// for a query. The raw reply lands in the history; the cleaned query
// lands in sql_query.
func (t *turn) generateQuery(ctx Context, state SessionState) (Update, error) {
	if state.Schema == nil {
		return Update{}, ErrNoSchema
	}

	db := state.Schema.Database
	filtersBlock := schema.SerializeFilters(state.Filters)

	followupContext := ""
	if state.PrevQuestion != "" {
		ctx.Logger().Info("using previous context for follow-up")
		followupContext = fmt.Sprintf(
			"Previous question: %s\nPrevious SQL: %s\nPrevious summary: %s\n",
			state.PrevQuestion, state.PrevSQL, state.PrevSummary,
		)
	}

	prompt, err := t.prompts.Render(PromptSQL, map[string]string{
		"db":               db,
		"schema":           state.Schema.FormatForPrompt(),
		"question":         state.Question,
		"followup_context": followupContext,
		"filters":          filtersBlock,
		"examples":         t.sqlExamples,
	})
	if err != nil {
		return Update{}, err
	}

	messages := []llm.Message{
		llm.System(fmt.Sprintf("You are a %s SQL expert. Follow all instructions strictly.", db)),
		llm.User(prompt),
	}

	reply, err := t.client.Complete(ctx, messages)
	if err != nil {
		return Update{}, err
	}

	raw := strings.TrimSpace(reply.Content)
	cleaned := stripFences(raw)
	ctx.Logger().Debug("query generated", "sql_query", cleaned)

	return Update{
		SQLQuery: strp(cleaned),
		AppendMessages: []llm.Message{
			llm.User(state.Question),
			llm.Assistant(raw),
		},
		IsError: boolp(false),
	}, nil
}

// runQuery executes the generated query against the data source.
// query_result keeps every row; query_result_str is the rendered form
// truncated to max_rows for prompting.
func (t *turn) runQuery(ctx Context, state SessionState) (Update, error) {
	if state.SQLQuery == "" {
		return Update{}, ErrNoQuery
	}
	if t.source == nil {
		return Update{}, ErrNoDataSource
	}

	res, err := t.source.Execute(ctx, state.SQLQuery)
	if err != nil {
		return Update{}, err
	}
	ctx.Logger().Debug("query executed", "rows", len(res.Rows))

	rendered, err := renderRows(res, t.maxRows)
	if err != nil {
		return Update{}, err
	}

	rows := res.Rows
	if rows == nil {
		rows = []datasource.Row{}
	}

	return Update{
		QueryResult:    rows,
		QueryResultStr: strp(rendered),
		IsError:        boolp(false),
	}, nil
}

// summarizeResult turns the rendered rows into the user-facing answer.
// This is the only stage that advances the prev_* lookback window.
func (t *turn) summarizeResult(ctx Context, state SessionState) (Update, error) {
	sqlQuery := state.SQLQuery
	if sqlQuery == "" {
		sqlQuery = "N/A"
	}
	result := state.QueryResultStr
	if result == "" {
		result = "No result"
	}

	prompt, err := t.prompts.Render(PromptSummary, map[string]string{
		"question":     state.Question,
		"sql_query":    sqlQuery,
		"query_result": result,
	})
	if err != nil {
		return Update{}, err
	}

	reply, err := t.client.Complete(ctx, []llm.Message{llm.System(prompt)})
	if err != nil {
		return Update{}, err
	}

	content := strings.TrimSpace(reply.Content)
	ctx.Logger().Debug("result summarized", "answer", content)

	return Update{
		Answer:         strp(content),
		Summary:        strp(content),
		AppendMessages: []llm.Message{llm.Assistant(content)},
		IsError:        boolp(false),
		PrevQuestion:   strp(state.Question),
		PrevSQL:        strp(state.SQLQuery),
		PrevSummary:    strp(content),
	}, nil
}

// generateMemoryAnswer answers from conversational context instead of
// the database. The history is compacted first when it exceeds the
// compaction policy's trigger, and the prev_* window is left untouched
// so replaying this branch is idempotent.
func (t *turn) generateMemoryAnswer(ctx Context, state SessionState) (Update, error) {
	if state.Schema == nil {
		return Update{}, ErrNoSchema
	}

	prompt, err := t.prompts.Render(PromptMemory, map[string]string{
		"question": state.Question,
		"summary":  state.Summary,
	})
	if err != nil {
		return Update{}, err
	}

	history := state.Messages
	if t.compactor != nil {
		history, err = t.compactor.Compact(ctx, state.Messages)
		if err != nil {
			return Update{}, err
		}
		if len(history) < len(state.Messages) {
			ctx.Logger().Debug("history compacted",
				"messages_before", len(state.Messages),
				"messages_after", len(history),
			)
		}
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.User(prompt))

	reply, err := t.client.Complete(ctx, messages)
	if err != nil {
		return Update{}, err
	}

	content := strings.TrimSpace(reply.Content)
	ctx.Logger().Debug("memory answer generated", "answer", content)

	return Update{
		Answer:          strp(content),
		ReplaceHistory:  true,
		ReplaceMessages: messages,
		AppendMessages:  []llm.Message{llm.Assistant(content)},
		IsError:         boolp(false),
	}, nil
}

// assignTags labels the session from its full history. It runs post-hoc
// via Agent.AssignTags rather than inside the turn graph. Unparseable
// replies degrade to an empty tag list instead of failing.
func (t *turn) assignTags(ctx Context, state SessionState) (Update, error) {
	tagListBlock := ""
	if len(t.tagList) > 0 {
		tagListBlock = "Prefer labels from this list:\n" + strings.Join(t.tagList, "\n") + "\n"
	}

	prompt, err := t.prompts.Render(PromptTags, map[string]string{
		"session_history": renderHistory(state.Messages),
		"tag_list":        tagListBlock,
		"max_tags":        fmt.Sprint(t.maxTags),
	})
	if err != nil {
		return Update{}, err
	}

	reply, err := t.client.Complete(ctx, []llm.Message{llm.System(prompt)})
	if err != nil {
		return Update{}, err
	}

	tags := parseTags(reply.Content, t.maxTags)
	ctx.Logger().Debug("tags assigned", "tags", tags)

	return Update{HasTags: true, Tags: tags}, nil
}

// parseTags splits a reply into one label per line, dropping blanks and
// capping the count when max is positive.
func parseTags(reply string, max int) []string {
	tags := []string{}
	for _, line := range strings.Split(strings.TrimSpace(reply), "\n") {
		if tag := strings.TrimSpace(line); tag != "" {
			tags = append(tags, tag)
		}
	}
	if max > 0 && len(tags) > max {
		tags = tags[:max]
	}
	return tags
}

// renderHistory flattens a message history into "role: content" lines.
func renderHistory(history []llm.Message) string {
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// renderRows renders rows as indented JSON objects in column order,
// keeping only the first maxRows rows. When rows are dropped, a marker
// line records how many were shown out of the total.
func renderRows(res *datasource.Result, maxRows int) (string, error) {
	total := len(res.Rows)
	shown := res.Rows
	if maxRows > 0 && total > maxRows {
		shown = res.Rows[:maxRows]
	}

	var b strings.Builder
	b.WriteString("[")
	for i, row := range shown {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n  {")
		for j, col := range res.Columns {
			if j > 0 {
				b.WriteString(",")
			}
			key, err := json.Marshal(col)
			if err != nil {
				return "", fmt.Errorf("render rows: %w", err)
			}
			val, err := json.Marshal(row[col])
			if err != nil {
				// Fall back to the string form for values JSON can't
				// encode directly (time.Time is fine, channels are not).
				val, _ = json.Marshal(fmt.Sprint(row[col]))
			}
			b.WriteString("\n    ")
			b.Write(key)
			b.WriteString(": ")
			b.Write(val)
		}
		b.WriteString("\n  }")
	}
	if len(shown) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("]")

	if maxRows > 0 && total > maxRows {
		fmt.Fprintf(&b, "\n... [truncated: showing first %d of %d rows]", maxRows, total)
	}
	return b.String(), nil
}

// stripFences removes markdown code fences and a leading "sql" language
// tag from a generated query. Identifiers containing "sql" elsewhere in
// the query are left alone.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "sql\n") {
		s = s[len("sql\n"):]
	} else if strings.HasPrefix(lower, "sql ") {
		s = s[len("sql "):]
	}
	return strings.TrimSpace(s)
}
