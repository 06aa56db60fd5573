// Package memory bounds conversational history growth through
// token-budget-triggered summarization: when the estimated cost of a
// history exceeds a configured fraction of the model's context window, a
// leading prefix is replaced by one synthesized summary message.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/llm"
	"github.com/randalmurphal/sqlagent/pkg/sqlagent/observability"
)

// Estimator approximates the token cost of a message history.
type Estimator func(history []llm.Message) int

// ApproxTokens estimates tokens as roughly one per four characters of
// content, plus a small per-message overhead.
func ApproxTokens(history []llm.Message) int {
	total := 0
	for _, msg := range history {
		total += len(msg.Content)/4 + 4
	}
	return total
}

// Default policy values.
const (
	DefaultTriggerRatio     = 0.1
	DefaultMaxSummaryTokens = 2048
	DefaultKeepRecent       = 4
)

const summaryPrefix = "Summary of the conversation so far: "

// Summarizer compacts message histories by summarizing the leading
// prefix with the generator while keeping a recent suffix verbatim.
type Summarizer struct {
	client           llm.Client
	estimator        Estimator
	maxTokens        int
	triggerRatio     float64
	maxSummaryTokens int
	keepRecent       int
	logger           *slog.Logger
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithEstimator overrides the token estimator.
func WithEstimator(e Estimator) SummarizerOption {
	return func(s *Summarizer) { s.estimator = e }
}

// WithMaxTokens overrides the context budget.
// Defaults to the client's context window.
func WithMaxTokens(n int) SummarizerOption {
	return func(s *Summarizer) { s.maxTokens = n }
}

// WithTriggerRatio sets the fraction of the budget that triggers
// compaction. Default: 0.1
func WithTriggerRatio(r float64) SummarizerOption {
	return func(s *Summarizer) {
		if r > 0 {
			s.triggerRatio = r
		}
	}
}

// WithMaxSummaryTokens caps the synthesized summary length. Default: 2048
func WithMaxSummaryTokens(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxSummaryTokens = n
		}
	}
}

// WithKeepRecent sets how many trailing messages survive compaction
// verbatim. Default: 4
func WithKeepRecent(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.keepRecent = n
		}
	}
}

// WithLogger sets the logger for compaction events.
func WithLogger(logger *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = logger }
}

// NewSummarizer creates a compactor backed by the given client.
func NewSummarizer(client llm.Client, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		client:           client,
		estimator:        ApproxTokens,
		maxTokens:        client.ContextWindow(),
		triggerRatio:     DefaultTriggerRatio,
		maxSummaryTokens: DefaultMaxSummaryTokens,
		keepRecent:       DefaultKeepRecent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compact returns the history unchanged while its estimated token cost
// stays within trigger_ratio of the budget. Above that, all but the last
// keepRecent messages are replaced by one synthesized summary message.
func (s *Summarizer) Compact(ctx context.Context, history []llm.Message) ([]llm.Message, error) {
	if len(history) <= s.keepRecent {
		return history, nil
	}
	if s.estimator(history) <= int(s.triggerRatio*float64(s.maxTokens)) {
		return history, nil
	}

	cut := len(history) - s.keepRecent
	prefix, suffix := history[:cut], history[cut:]

	prompt := fmt.Sprintf(
		"Summarize the following conversation in at most %d tokens, keeping facts, figures, and decisions that later turns may refer back to.\n\n%s",
		s.maxSummaryTokens, renderTranscript(prefix),
	)
	reply, err := s.client.Complete(ctx, []llm.Message{llm.System(prompt)})
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	compacted := make([]llm.Message, 0, len(suffix)+1)
	compacted = append(compacted, llm.System(summaryPrefix+strings.TrimSpace(reply.Content)))
	compacted = append(compacted, suffix...)

	observability.LogCompaction(s.logger, len(history), len(compacted))
	return compacted, nil
}

func renderTranscript(history []llm.Message) string {
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}
