package famulus

import (
	"context"
	"log/slog"
	"strings"
)

const (
	defaultContextWindow     = 200_000
	defaultCompressThreshold = 0.70
	// compressMinMessages guards against compressing conversations too short
	// to have a meaningful middle.
	compressMinMessages = 10

	// planMarker identifies the planning message preserved across compression.
	planMarker = "## Plan"

	summaryPrefix = "[Previous context summary]\n"
)

// ContextManager keeps the assembled prompt under the model's context
// window: it estimates usage, decides when to compress, summarizes the
// middle of the history through the cheap model, and validates tool pairing
// on the result.
type ContextManager struct {
	cheap   *Client
	counter *TokenCounter
	log     *slog.Logger

	window          int
	threshold       float64
	recentExchanges int
}

// ContextManagerOption configures a ContextManager.
type ContextManagerOption func(*ContextManager)

// WithContextWindow overrides the token ceiling (default 200k).
func WithContextWindow(n int) ContextManagerOption {
	return func(m *ContextManager) { m.window = n }
}

// WithCompressThreshold overrides the usage fraction that triggers
// compression (default 0.70).
func WithCompressThreshold(f float64) ContextManagerOption {
	return func(m *ContextManager) { m.threshold = f }
}

// WithRecentExchanges overrides how many trailing user exchanges survive
// compression verbatim (default 3).
func WithRecentExchanges(n int) ContextManagerOption {
	return func(m *ContextManager) { m.recentExchanges = n }
}

func NewContextManager(cheap *Client, counter *TokenCounter, log *slog.Logger, opts ...ContextManagerOption) *ContextManager {
	if log == nil {
		log = nopLogger
	}
	m := &ContextManager{
		cheap:           cheap,
		counter:         counter,
		log:             log,
		window:          defaultContextWindow,
		threshold:       defaultCompressThreshold,
		recentExchanges: defaultRecentExchanges,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EstimateTokens returns the token estimate for the assembled messages.
func (m *ContextManager) EstimateTokens(model string, msgs []ChatMessage) int {
	return m.counter.CountMessages(model, msgs)
}

// UsagePercent returns estimated usage as a fraction of the window.
func (m *ContextManager) UsagePercent(model string, msgs []ChatMessage) float64 {
	return float64(m.EstimateTokens(model, msgs)) / float64(m.window)
}

// ShouldCompress reports whether usage crossed the threshold.
func (m *ContextManager) ShouldCompress(model string, msgs []ChatMessage) bool {
	return m.UsagePercent(model, msgs) >= m.threshold
}

// Compress summarizes the middle of msgs when usage is over threshold,
// keeping the system message, an optional plan message, and the recent tail.
// Below threshold (or with too few messages) the input is returned
// unchanged, which also makes the operation idempotent. If the compressed
// result would violate tool pairing, the original is returned untouched.
func (m *ContextManager) Compress(ctx context.Context, model string, msgs []ChatMessage, preservePlan bool, jobID, conversationID string) []ChatMessage {
	if len(msgs) < compressMinMessages || !m.ShouldCompress(model, msgs) {
		return msgs
	}

	var system *ChatMessage
	body := msgs
	if len(body) > 0 && body[0].Role == "system" {
		s := body[0]
		system = &s
		body = body[1:]
	}

	split := chatSafeSplit(body, m.recentExchanges)
	if split <= 0 {
		return msgs
	}
	middle := body[:split]
	recent := body[split:]

	var plan *ChatMessage
	if preservePlan {
		for i := range middle {
			if strings.Contains(middle[i].Content, planMarker) {
				p := middle[i]
				// Its tool results are about to be summarized away, so the
				// calls must go too or pairing breaks.
				p.ToolCalls = nil
				plan = &p
				rest := make([]ChatMessage, 0, len(middle)-1)
				rest = append(rest, middle[:i]...)
				rest = append(rest, middle[i+1:]...)
				middle = rest
				break
			}
		}
	}

	summary, err := m.summarizeMiddle(ctx, middle, jobID, conversationID)
	if err != nil {
		m.log.Warn("history compression failed, keeping full context", "error", err)
		return msgs
	}

	out := make([]ChatMessage, 0, len(recent)+3)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, UserMessage(summaryPrefix+summary))
	if plan != nil {
		out = append(out, *plan)
	}
	out = append(out, recent...)

	if !pairingValid(out) {
		m.log.Warn("compressed history violates tool pairing, keeping full context")
		return msgs
	}
	m.log.Debug("history compressed",
		"before", len(msgs), "after", len(out),
		"middle_summarized", len(middle))
	return out
}

func (m *ContextManager) summarizeMiddle(ctx context.Context, middle []ChatMessage, jobID, conversationID string) (string, error) {
	var b strings.Builder
	for _, msg := range middle {
		switch msg.Role {
		case "user":
			b.WriteString("USER: " + firstLine(msg.Content, 500) + "\n")
		case "assistant":
			if msg.Content != "" {
				b.WriteString("ASSISTANT: " + firstLine(msg.Content, 500) + "\n")
			}
			for _, tc := range msg.ToolCalls {
				b.WriteString("  called " + tc.Name + "\n")
			}
		case "tool":
			b.WriteString("  result: " + firstLine(msg.Content, 200) + "\n")
		}
	}

	prompt := "Summarize this conversation segment into a compact bullet list. " +
		"Retain concrete values: prices, names, file paths, decisions, and the current task state. " +
		"Do not editorialize.\n\n" + b.String()

	resp, err := m.cheap.Chat(ctx, []ChatMessage{UserMessage(prompt)}, ChatOptions{
		Component:      "context_compression",
		JobID:          jobID,
		ConversationID: conversationID,
		MaxTokens:      2048,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// chatSafeSplit mirrors safeSplitIndex for provider-neutral messages: the
// index of the (count-recent)-th user message, backed off over tool results.
func chatSafeSplit(msgs []ChatMessage, recent int) int {
	var userIdx []int
	for i, m := range msgs {
		if m.Role == "user" {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= recent {
		return 0
	}
	split := userIdx[len(userIdx)-recent]
	for split > 0 && msgs[split].Role == "tool" {
		split--
	}
	return split
}

// pairingValid checks that every assistant message carrying tool calls is
// immediately followed by tool messages matching each call ID.
func pairingValid(msgs []ChatMessage) bool {
	for i, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		want := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			want[tc.ID] = true
		}
		j := i + 1
		for j < len(msgs) && msgs[j].Role == "tool" {
			delete(want, msgs[j].ToolCallID)
			j++
		}
		if len(want) > 0 {
			return false
		}
	}
	return true
}
