package famulus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// summaryInitialThreshold is the message count that triggers the first
	// rolling summary.
	summaryInitialThreshold = 15
	// summaryUpdateInterval is how many new messages accumulate before the
	// summary is refreshed.
	summaryUpdateInterval = 10
)

// ConversationSummarizer maintains a rolling semantic digest of each
// conversation so the agent can reference old context without loading every
// message. Updates are incremental: only messages past the persisted
// high-water mark are re-read.
type ConversationSummarizer struct {
	store Store
	cheap *Client
	log   *slog.Logger

	initialThreshold int
	updateInterval   int
}

func NewConversationSummarizer(store Store, cheap *Client, log *slog.Logger) *ConversationSummarizer {
	if log == nil {
		log = nopLogger
	}
	return &ConversationSummarizer{
		store:            store,
		cheap:            cheap,
		log:              log,
		initialThreshold: summaryInitialThreshold,
		updateInterval:   summaryUpdateInterval,
	}
}

// ShouldUpdate reports whether the conversation needs a (re)summarization:
// the first one once the message count crosses the initial threshold, then
// every updateInterval messages past the summarized high-water mark.
func (s *ConversationSummarizer) ShouldUpdate(ctx context.Context, conv Conversation) (bool, error) {
	count, err := s.store.CountMessages(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	if conv.Summary == "" {
		return count >= s.initialThreshold, nil
	}
	lastID, err := s.store.LastMessageID(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	return lastID-conv.SummaryUpToMessage >= int64(s.updateInterval), nil
}

// GenerateSummary refreshes the rolling summary synchronously: formats the
// messages after the high-water mark, prepends the existing summary for
// incremental refinement, calls the cheap model, and persists the result
// with the new high-water message ID.
func (s *ConversationSummarizer) GenerateSummary(ctx context.Context, conv Conversation, jobID string) (string, error) {
	msgs, err := s.store.GetMessages(ctx, conv.ID, true)
	if err != nil {
		return "", err
	}

	var highWater int64
	var b strings.Builder
	for _, m := range msgs {
		if m.ID <= conv.SummaryUpToMessage {
			continue
		}
		highWater = m.ID
		switch m.Role {
		case "user":
			b.WriteString("USER: " + firstLine(m.Content, 400) + "\n")
		case "assistant":
			if m.Content != "" {
				b.WriteString("ASSISTANT: " + firstLine(m.Content, 400) + "\n")
			}
			for _, tc := range m.ToolCalls {
				b.WriteString("  tool: " + tc.Name + "\n")
			}
		case "tool":
			b.WriteString("  output: " + firstLine(m.Content, 150) + "\n")
		}
	}
	if highWater == 0 {
		return conv.Summary, nil
	}

	prompt := "Maintain a running summary of a conversation as a concise bullet list.\n" +
		"Keep concrete values: prices, names, file paths, decisions, and the current task state.\n"
	if conv.Summary != "" {
		prompt += "\nExisting summary:\n" + conv.Summary + "\n"
	}
	prompt += "\nNew messages:\n" + b.String() + "\nUpdated summary:"

	resp, err := s.cheap.Chat(ctx, []ChatMessage{UserMessage(prompt)}, ChatOptions{
		Component:      "conversation_summary",
		JobID:          jobID,
		ConversationID: conv.ID,
		MaxTokens:      1024,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return conv.Summary, nil
	}
	if err := s.store.SaveConversationSummary(ctx, conv.ID, summary, highWater); err != nil {
		return "", err
	}
	s.log.Debug("conversation summary updated", "conversation", conv.ID, "up_to", highWater)
	return summary, nil
}

// BuildContextHeader constructs the injection message telling the model how
// much earlier history is hidden and what it contained.
func (s *ConversationSummarizer) BuildContextHeader(total, visible int, summary string) string {
	hidden := total - visible
	if hidden < 0 {
		hidden = 0
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Context: this conversation has %d messages; the oldest %d are not shown.]\n", total, hidden)
	if summary != "" {
		b.WriteString("Summary of the earlier conversation:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	b.WriteString("Use recall_from_chat to retrieve exact earlier values when needed.")
	return b.String()
}
