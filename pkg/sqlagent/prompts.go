package sqlagent

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/config"
)

// Prompt template names.
const (
	PromptSQL       = "sql"
	PromptSummary   = "summary"
	PromptMemory    = "memory"
	PromptRelevance = "relevance"
	PromptTags      = "tags"
)

// requiredPrompts must be present for the pipeline to run. The tag
// template is only needed when tag assignment is enabled.
var requiredPrompts = []string{PromptSQL, PromptSummary, PromptMemory, PromptRelevance}

// configPromptPrefix namespaces prompt overrides in config files,
// e.g. "llm.prompt.sql".
const configPromptPrefix = "llm.prompt."

// PromptManager holds named prompt templates with {placeholder}
// substitution. Templates use single-brace placeholders such as
// {question} and {schema}.
type PromptManager struct {
	templates map[string]string
}

// NewPromptManager creates a manager over the given templates.
// Returns an error if a required template is missing or empty.
func NewPromptManager(templates map[string]string) (*PromptManager, error) {
	pm := &PromptManager{templates: make(map[string]string, len(templates))}
	for name, tmpl := range templates {
		pm.templates[name] = tmpl
	}
	for _, name := range requiredPrompts {
		if strings.TrimSpace(pm.templates[name]) == "" {
			return nil, fmt.Errorf("missing required prompt template: %s", name)
		}
	}
	return pm, nil
}

// DefaultPrompts returns a manager with the built-in templates.
func DefaultPrompts() *PromptManager {
	return &PromptManager{templates: map[string]string{
		PromptSQL: "Given the following {db} database schema:\n" +
			"{schema}\n" +
			"Active filters:\n{filters}\n" +
			"{followup_context}" +
			"{examples}" +
			"Write a single syntactically correct {db} SQL query answering this question:\n" +
			"{question}\n" +
			"Return only the SQL query, with no explanation and no markdown formatting.",
		PromptSummary: "The user asked:\n{question}\n\n" +
			"This SQL query was executed:\n{sql_query}\n\n" +
			"It returned:\n{query_result}\n\n" +
			"Write a concise natural-language answer to the question based only on these results.",
		PromptMemory: "You are a helpful assistant for a database question-answering session.\n" +
			"Conversation summary so far:\n{summary}\n\n" +
			"The user now asks:\n{question}\n\n" +
			"Answer conversationally using the session context. If the question is unrelated " +
			"to the database, answer from general knowledge and say so.",
		PromptRelevance: "Given the following database schema:\n{schema}\n\n" +
			"Classify whether this question can be answered by querying the database:\n" +
			"{question}\n\n" +
			"Reply with exactly one word: \"relevant\" if it can, \"irrelevant\" otherwise.",
		PromptTags: "Given this conversation:\n{session_history}\n\n" +
			"Choose up to {max_tags} short topic labels describing the session.\n" +
			"{tag_list}" +
			"Return one label per line, with no numbering and no extra text.",
	}}
}

// FromConfig builds a manager from the defaults overlaid with any
// "llm.prompt.<name>" keys found in the config.
func FromConfig(cfg config.Config) (*PromptManager, error) {
	pm := DefaultPrompts()
	for key, val := range cfg.Raw() {
		name, ok := strings.CutPrefix(key, configPromptPrefix)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("prompt override %s is not a string", key)
		}
		pm.templates[name] = s
	}
	return NewPromptManager(pm.templates)
}

// Render substitutes vars into the named template.
// Returns an error if the template does not exist.
func (pm *PromptManager) Render(name string, vars map[string]string) (string, error) {
	tmpl, ok := pm.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template: %s", name)
	}
	pairs := make([]string, 0, len(vars)*2)
	for key, val := range vars {
		pairs = append(pairs, "{"+key+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}

// Has reports whether the named template exists and is non-empty.
func (pm *PromptManager) Has(name string) bool {
	return strings.TrimSpace(pm.templates[name]) != ""
}
