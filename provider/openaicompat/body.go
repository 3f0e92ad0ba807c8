package openaicompat

import (
	"github.com/mwalkowiak/famulus"
)

// BuildBody converts a provider-neutral request into the OpenAI wire format.
//
// Tool choice mapping: "auto", "none", and "required" pass through as
// strings; any other non-empty value is treated as the name of the one
// function the model must call.
func BuildBody(req famulus.ChatRequest, model string) ChatRequest {
	body := ChatRequest{
		Model:     model,
		Messages:  buildMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	switch req.ToolChoice {
	case "":
		// Provider default.
	case famulus.ToolChoiceAuto, famulus.ToolChoiceNone, famulus.ToolChoiceRequired:
		body.ToolChoice = req.ToolChoice
	default:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}

	if req.ThinkingBudget > 0 {
		body.Reasoning = &Reasoning{MaxTokens: req.ThinkingBudget}
	}

	return body
}

func buildMessages(msgs []famulus.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		wire := Message{
			Role:             m.Role,
			Content:          m.Content,
			ToolCallID:       m.ToolCallID,
			ReasoningContent: m.Thinking,
		}
		for i, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, ToolCallRequest{
				Index: i,
				ID:    tc.ID,
				Type:  "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, wire)
	}
	return out
}
