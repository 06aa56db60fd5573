package sqlagent

import (
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/datasource"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// SessionState is the record threaded through one turn and persisted
// between turns. Stages never mutate it directly; they return partial
// Updates that the executor merges.
type SessionState struct {
	Question       string           `json:"question"`
	SQLQuery       string           `json:"sql_query"`
	Answer         string           `json:"answer"`
	Summary        string           `json:"summary"`
	QueryResult    []datasource.Row `json:"query_result,omitempty"`
	QueryResultStr string           `json:"query_result_str"`

	// Schema and Filters are immutable for the duration of a turn.
	Schema  *schema.DataDictionary `json:"schema,omitempty"`
	Filters []schema.Filter        `json:"filters,omitempty"`

	// Messages is append-only except for compaction, which may replace
	// a leading prefix with one synthesized summary message.
	Messages []llm.Message `json:"messages"`

	// Diagnostics, set only by the error envelope.
	IsError      bool   `json:"is_error"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	// One-turn lookback window for follow-up disambiguation. Only the
	// summarize-result stage moves it forward.
	PrevQuestion string `json:"prev_question"`
	PrevSQL      string `json:"prev_sql"`
	PrevSummary  string `json:"prev_summary"`

	Tags []string `json:"tags,omitempty"`
}

// Update is a partial state change returned by a stage. Nil scalar
// fields are left untouched; non-nil ones overwrite. Message changes are
// appends unless ReplaceHistory is set (compaction). The executor applies
// updates centrally via Apply.
type Update struct {
	Question       *string
	SQLQuery       *string
	Answer         *string
	Summary        *string
	QueryResult    []datasource.Row
	QueryResultStr *string

	// AppendMessages are added to the end of the history.
	AppendMessages []llm.Message
	// ReplaceHistory swaps the entire history for ReplaceMessages
	// before AppendMessages is applied.
	ReplaceHistory  bool
	ReplaceMessages []llm.Message

	IsError      *bool
	ErrorType    *string
	ErrorMessage *string
	StackTrace   *string

	PrevQuestion *string
	PrevSQL      *string
	PrevSummary  *string

	// HasTags distinguishes "set tags to this (possibly empty) list"
	// from "leave tags alone".
	HasTags bool
	Tags    []string
}

// Apply merges the update into the state: scalar overwrite, history
// append, explicit replace for compaction.
func (u Update) Apply(s *SessionState) {
	setString(&s.Question, u.Question)
	setString(&s.SQLQuery, u.SQLQuery)
	setString(&s.Answer, u.Answer)
	setString(&s.Summary, u.Summary)
	setString(&s.QueryResultStr, u.QueryResultStr)
	setString(&s.ErrorType, u.ErrorType)
	setString(&s.ErrorMessage, u.ErrorMessage)
	setString(&s.StackTrace, u.StackTrace)
	setString(&s.PrevQuestion, u.PrevQuestion)
	setString(&s.PrevSQL, u.PrevSQL)
	setString(&s.PrevSummary, u.PrevSummary)

	if u.QueryResult != nil {
		s.QueryResult = u.QueryResult
	}
	if u.IsError != nil {
		s.IsError = *u.IsError
	}

	if u.ReplaceHistory {
		s.Messages = append([]llm.Message(nil), u.ReplaceMessages...)
	}
	if len(u.AppendMessages) > 0 {
		s.Messages = append(s.Messages, u.AppendMessages...)
	}

	if u.HasTags {
		s.Tags = u.Tags
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// strp returns a pointer to s, for building Updates.
func strp(s string) *string {
	return &s
}

// boolp returns a pointer to b, for building Updates.
func boolp(b bool) *bool {
	return &b
}
