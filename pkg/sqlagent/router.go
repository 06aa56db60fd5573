package sqlagent

import (
	"strings"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/observability"
)

// Decision is the branch selected for a turn.
type Decision int

const (
	// ToMemory routes the turn to the conversational-memory branch.
	// This is the zero value and the fallback on classification failure.
	ToMemory Decision = iota

	// ToQuery routes the turn to the generate-and-run-query branch.
	ToQuery
)

// String returns the decision name.
func (d Decision) String() string {
	if d == ToQuery {
		return "ToQuery"
	}
	return "ToMemory"
}

// Target returns the stage ID the decision routes to.
func (d Decision) Target() string {
	if d == ToQuery {
		return StageGenerateQuery
	}
	return StageGenerateMemoryAnswer
}

// Decide interprets a classifier reply. Exactly the word "relevant"
// (case-insensitive, surrounding whitespace ignored) selects the query
// branch; any other reply selects the memory branch.
//
// Decide is pure: the routing decision is testable without a generator
// or a graph.
func Decide(reply string) Decision {
	if strings.EqualFold(strings.TrimSpace(reply), "relevant") {
		return ToQuery
	}
	return ToMemory
}

// classifyRoute builds the conditional edge for the entry stage. It
// renders the relevance prompt from the schema and question, asks the
// generator to classify, and maps the reply through Decide.
//
// Classification failures never fail the turn: a missing schema, prompt
// error, or generator error is logged and the memory branch is chosen.
func classifyRoute(client llm.Client, prompts *PromptManager) RouteFunc {
	return func(ctx Context, state SessionState) string {
		logger := ctx.Logger()

		if state.Schema == nil {
			logger.Warn("relevance check skipped, no data dictionary")
			observability.LogRouteDecision(logger, "unclassified", ToMemory.Target())
			return ToMemory.Target()
		}

		prompt, err := prompts.Render(PromptRelevance, map[string]string{
			"schema":   state.Schema.FormatForPrompt(),
			"question": state.Question,
		})
		if err != nil {
			logger.Error("relevance prompt failed", "error", err.Error())
			observability.LogRouteDecision(logger, "unclassified", ToMemory.Target())
			return ToMemory.Target()
		}

		reply, err := client.Complete(ctx, []llm.Message{llm.System(prompt)})
		if err != nil {
			logger.Error("relevance check failed", "error", err.Error())
			observability.LogRouteDecision(logger, "unclassified", ToMemory.Target())
			return ToMemory.Target()
		}

		classification := strings.ToLower(strings.TrimSpace(reply.Content))
		decision := Decide(classification)
		observability.LogRouteDecision(logger, classification, decision.Target())
		return decision.Target()
	}
}
