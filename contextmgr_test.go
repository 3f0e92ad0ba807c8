package famulus

import (
	"context"
	"strings"
	"testing"
)

func summarizerClient(summary string) (*Client, *stubProvider) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: summary}}}}
	return NewClient(stub, fastRetry()), stub
}

// longHistory builds a conversation with enough user exchanges and bulk to
// cross a small compression window.
func longHistory(exchanges int) []ChatMessage {
	msgs := []ChatMessage{SystemMessage("You are a careful assistant.")}
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	for i := 0; i < exchanges; i++ {
		msgs = append(msgs,
			UserMessage("question "+filler),
			AssistantMessage("answer "+filler),
		)
	}
	return msgs
}

func TestContextManagerBelowThresholdUnchanged(t *testing.T) {
	cheap, stub := summarizerClient("summary")
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(1_000_000))

	msgs := longHistory(6)
	out := m.Compress(context.Background(), "test-model", msgs, false, "j1", "c1")
	if len(out) != len(msgs) {
		t.Fatalf("below-threshold input modified: %d -> %d", len(msgs), len(out))
	}
	if stub.calls != 0 {
		t.Error("summarizer called below threshold")
	}
}

func TestContextManagerTooShortUnchanged(t *testing.T) {
	cheap, stub := summarizerClient("summary")
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(10), WithCompressThreshold(0.01))

	msgs := []ChatMessage{UserMessage("hi"), AssistantMessage("hello")}
	out := m.Compress(context.Background(), "test-model", msgs, false, "j1", "c1")
	if len(out) != 2 {
		t.Fatalf("short history modified: %d", len(out))
	}
	if stub.calls != 0 {
		t.Error("summarizer called on short history")
	}
}

func TestContextManagerCompressesMiddle(t *testing.T) {
	cheap, stub := summarizerClient("- user asked many questions\n- all answered")
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(500), WithCompressThreshold(0.5))

	msgs := longHistory(8)
	out := m.Compress(context.Background(), "test-model", msgs, false, "j1", "c1")
	if len(out) >= len(msgs) {
		t.Fatalf("no compression: %d -> %d", len(msgs), len(out))
	}
	if stub.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", stub.calls)
	}
	if out[0].Role != "system" {
		t.Error("system message not preserved first")
	}
	if !strings.HasPrefix(out[1].Content, summaryPrefix) {
		t.Errorf("summary message missing prefix: %q", firstLine(out[1].Content, 60))
	}
	// The recent tail survives verbatim.
	last := out[len(out)-1]
	if last.Role != "assistant" || !strings.HasPrefix(last.Content, "answer") {
		t.Errorf("tail not preserved: %+v", last)
	}
}

func TestContextManagerIdempotent(t *testing.T) {
	cheap, _ := summarizerClient("- compact summary")
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(500), WithCompressThreshold(0.5))

	msgs := longHistory(8)
	once := m.Compress(context.Background(), "test-model", msgs, false, "j1", "c1")
	twice := m.Compress(context.Background(), "test-model", once, false, "j1", "c1")
	if len(twice) != len(once) {
		t.Errorf("second compression changed output: %d -> %d", len(once), len(twice))
	}
}

func TestContextManagerPreservesPlan(t *testing.T) {
	cheap, _ := summarizerClient("- summary")
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(500), WithCompressThreshold(0.5))

	msgs := longHistory(8)
	// Plant the plan early so it falls in the summarized middle.
	msgs[2] = AssistantMessage("## Plan\n1. research\n2. write up " + strings.Repeat("x", 500))

	out := m.Compress(context.Background(), "test-model", msgs, true, "j1", "c1")
	found := false
	for _, m := range out {
		if strings.Contains(m.Content, planMarker) {
			found = true
		}
	}
	if !found {
		t.Error("plan message lost in compression")
	}
}

func TestContextManagerSummarizerFailureKeepsFull(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 500, Body: "boom"}}}}
	cheap := NewClient(stub, fastRetry())
	m := NewContextManager(cheap, NewTokenCounter(), nil,
		WithContextWindow(500), WithCompressThreshold(0.5))

	msgs := longHistory(8)
	out := m.Compress(context.Background(), "test-model", msgs, false, "j1", "c1")
	if len(out) != len(msgs) {
		t.Error("history modified despite summarizer failure")
	}
}

func TestShouldCompressThreshold(t *testing.T) {
	m := NewContextManager(nil, NewTokenCounter(), nil,
		WithContextWindow(100), WithCompressThreshold(0.5))

	small := []ChatMessage{UserMessage("hi")}
	if m.ShouldCompress("test-model", small) {
		t.Error("ShouldCompress = true for tiny history")
	}
	big := []ChatMessage{UserMessage(strings.Repeat("word ", 400))}
	if !m.ShouldCompress("test-model", big) {
		t.Error("ShouldCompress = false over threshold")
	}
}

func TestPairingValid(t *testing.T) {
	ok := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "t"}}},
		ToolResultMessage("c1", "out"),
	}
	if !pairingValid(ok) {
		t.Error("valid pairing rejected")
	}
	bad := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "t"}}},
		AssistantMessage("moved on"),
	}
	if pairingValid(bad) {
		t.Error("missing result accepted")
	}
}
