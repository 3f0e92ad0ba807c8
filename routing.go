package famulus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Routing depths. Depth 0 answers directly with no planning, reflection, or
// extended thinking; depth 1 enables the full loop machinery.
const (
	DepthSimple  = 0
	DepthComplex = 1
)

// RoutingAgent classifies each incoming user message into a task depth with
// a single low-latency LLM call. Any failure, including unparseable output,
// defaults to the complex path so capability is never silently lost.
type RoutingAgent struct {
	routing *Client
	log     *slog.Logger
}

func NewRoutingAgent(routing *Client, log *slog.Logger) *RoutingAgent {
	if log == nil {
		log = nopLogger
	}
	return &RoutingAgent{routing: routing, log: log}
}

// Classify returns the task depth for userMessage given a short tail of
// prior context.
func (r *RoutingAgent) Classify(ctx context.Context, userMessage string, recent []ChatMessage, jobID, conversationID string) int {
	var b strings.Builder
	b.WriteString("Classify the user's request.\n" +
		"Reply with exactly one digit:\n" +
		"0 = simple: direct answer, greeting, short factual question, no tools needed\n" +
		"1 = complex: requires tools, multiple steps, file work, research, or scheduling\n\n")
	if len(recent) > 0 {
		b.WriteString("Recent context:\n")
		for _, m := range tailMessages(recent, 4) {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, firstLine(m.Content, 200))
		}
		b.WriteString("\n")
	}
	b.WriteString("Request: " + userMessage + "\n\nDigit:")

	resp, err := r.routing.Chat(ctx, []ChatMessage{UserMessage(b.String())}, ChatOptions{
		Component:      "routing",
		JobID:          jobID,
		ConversationID: conversationID,
		MaxTokens:      4,
	})
	if err != nil {
		r.log.Warn("routing call failed, defaulting to complex", "error", err)
		return DepthComplex
	}
	return parseDepth(resp.Content)
}

// parseDepth extracts the first depth digit from model output; anything
// unparseable is depth 1.
func parseDepth(s string) int {
	for _, c := range strings.TrimSpace(s) {
		switch c {
		case '0':
			return DepthSimple
		case '1':
			return DepthComplex
		}
	}
	return DepthComplex
}
