package openaicompat

import (
	"encoding/json"

	"github.com/mwalkowiak/famulus"
)

// ParseResponse converts an OpenAI-format ChatResponse to the neutral form.
// It extracts content, thinking, tool calls, stop reason, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (famulus.ChatResponse, error) {
	var out famulus.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Thinking = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.StopReason = normalizeFinishReason(choice.FinishReason, len(out.ToolCalls) > 0)
	out.Truncated = out.StopReason == famulus.StopMaxTokens

	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}
	return out, nil
}

// ParseToolCalls converts wire tool call requests to neutral ToolCalls.
// The API returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so downstream validation reports it cleanly.
func ParseToolCalls(tcs []ToolCallRequest) []famulus.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]famulus.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, famulus.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_calls", "function_call":
		return famulus.StopToolUse
	case "length":
		return famulus.StopMaxTokens
	case "stop", "end_turn", "":
		if hasToolCalls {
			return famulus.StopToolUse
		}
		return famulus.StopEndTurn
	default:
		return reason
	}
}

func parseUsage(u *Usage) famulus.Usage {
	out := famulus.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}
