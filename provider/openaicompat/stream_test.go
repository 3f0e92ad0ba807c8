package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/mwalkowiak/famulus"
)

// collectSSE runs StreamSSE over fixture and gathers the emitted events.
func collectSSE(t *testing.T, fixture string) (famulus.ChatResponse, []famulus.StreamEvent) {
	t.Helper()
	ch := make(chan famulus.StreamEvent, 128)
	resp, err := StreamSSE(context.Background(), strings.NewReader(fixture), ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var events []famulus.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return resp, events
}

func TestStreamSSEText(t *testing.T) {
	fixture := `data: {"id":"1","choices":[{"index":0,"delta":{"content":"Hel"}}]}
data: {"id":"1","choices":[{"index":0,"delta":{"content":"lo"}}]}
data: {"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}
data: {"id":"1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}
data: [DONE]
`
	resp, events := collectSSE(t, fixture)
	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != famulus.StopEndTurn || resp.Truncated {
		t.Errorf("stop = %q, truncated = %v", resp.StopReason, resp.Truncated)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	var text string
	for _, ev := range events {
		if ev.Type == famulus.EventTextDelta {
			text += ev.Content
		}
	}
	if text != "Hello" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestStreamSSEThinking(t *testing.T) {
	fixture := `data: {"id":"1","choices":[{"index":0,"delta":{"reasoning_content":"let me "}}]}
data: {"id":"1","choices":[{"index":0,"delta":{"reasoning_content":"think"}}]}
data: {"id":"1","choices":[{"index":0,"delta":{"content":"Answer"},"finish_reason":"stop"}]}
data: [DONE]
`
	resp, events := collectSSE(t, fixture)
	if resp.Thinking != "let me think" {
		t.Errorf("thinking = %q", resp.Thinking)
	}
	if resp.Content != "Answer" {
		t.Errorf("content = %q", resp.Content)
	}
	var thinkingDeltas int
	for _, ev := range events {
		if ev.Type == famulus.EventThinkingDelta {
			thinkingDeltas++
		}
	}
	if thinkingDeltas != 2 {
		t.Errorf("thinking deltas = %d, want 2", thinkingDeltas)
	}
}

func TestStreamSSEToolCallAssembly(t *testing.T) {
	fixture := `data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":""}}]}}]}
data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}
data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}
data: {"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}
data: [DONE]
`
	resp, events := collectSSE(t, fixture)
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "lookup" || string(tc.Args) != `{"q":"x"}` {
		t.Errorf("call = %+v", tc)
	}
	if resp.StopReason != famulus.StopToolUse {
		t.Errorf("stop = %q", resp.StopReason)
	}

	var starts int
	for _, ev := range events {
		if ev.Type == famulus.EventToolCallStart {
			starts++
			if ev.Name != "lookup" {
				t.Errorf("start event name = %q", ev.Name)
			}
		}
	}
	if starts != 1 {
		t.Errorf("tool start events = %d, want 1", starts)
	}
}

func TestStreamSSETruncatedArguments(t *testing.T) {
	fixture := `data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":"{\"q\": unterminat"}}]}}]}
data: {"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}
data: [DONE]
`
	resp, _ := collectSSE(t, fixture)
	if !resp.Truncated || resp.StopReason != famulus.StopMaxTokens {
		t.Errorf("stop = %q, truncated = %v", resp.StopReason, resp.Truncated)
	}
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Args) != `{}` {
		t.Errorf("calls = %+v", resp.ToolCalls)
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	fixture := `data: {not json at all
data: {"id":"1","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}
: comment line
data: [DONE]
`
	resp, _ := collectSSE(t, fixture)
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}
