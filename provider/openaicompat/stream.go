package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/mwalkowiak/famulus"
)

// StreamSSE reads an SSE stream from body, sends delta events to ch, and
// returns the fully accumulated response (content + thinking + tool calls +
// usage + stop reason).
//
// The channel is closed when streaming completes. Callers should read from ch
// in a separate goroutine. The context cancels channel sends when the
// consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- famulus.StreamEvent) (famulus.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent, fullThinking strings.Builder
	var usage famulus.Usage
	var finishReason string

	// Tool calls stream incrementally: each chunk has an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID      string
		Name    string
		Args    strings.Builder
		started bool
	}
	var toolCalls []partialToolCall

	send := func(ev famulus.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage = parseUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			finishReason = chunk.Choices[0].FinishReason
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			fullThinking.WriteString(delta.ReasoningContent)
			if err := send(famulus.StreamEvent{Type: famulus.EventThinkingDelta, Content: delta.ReasoningContent}); err != nil {
				return famulus.ChatResponse{}, err
			}
		}
		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if err := send(famulus.StreamEvent{Type: famulus.EventTextDelta, Content: delta.Content}); err != nil {
				return famulus.ChatResponse{}, err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
				if !toolCalls[idx].started {
					toolCalls[idx].started = true
					if err := send(famulus.StreamEvent{Type: famulus.EventToolCallStart, Name: tc.Function.Name}); err != nil {
						return famulus.ChatResponse{}, err
					}
				}
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return famulus.ChatResponse{}, err
	}

	var calls []famulus.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, famulus.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	resp := famulus.ChatResponse{
		Content:    fullContent.String(),
		Thinking:   fullThinking.String(),
		ToolCalls:  calls,
		Usage:      usage,
		StopReason: normalizeFinishReason(finishReason, len(calls) > 0),
	}
	resp.Truncated = resp.StopReason == famulus.StopMaxTokens
	return resp, nil
}
