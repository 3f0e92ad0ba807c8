package famulus

import (
	"encoding/json"
	"strings"
	"testing"
)

func userMsg(id int64, text string) Message {
	return Message{ID: id, Role: "user", Content: text}
}

func assistantMsg(id int64, text string) Message {
	return Message{ID: id, Role: "assistant", Content: text}
}

func toolCallMsg(id int64, callID, name, args string) Message {
	return Message{ID: id, Role: "assistant", ToolCalls: []ToolCall{
		{ID: callID, Name: name, Args: json.RawMessage(args)},
	}}
}

func toolResultMsg(id int64, callID, content string) Message {
	return Message{ID: id, Role: "tool", ToolCallID: callID, Content: content}
}

func TestCompressHistoryNoCompression(t *testing.T) {
	msgs := []Message{
		userMsg(1, "hello"),
		assistantMsg(2, "hi"),
	}
	out := CompressHistory(msgs, HistoryOptions{})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Content != "hello" || out[1].Content != "hi" {
		t.Errorf("content not preserved: %+v", out)
	}
}

func TestCompressHistoryOldToolResultsSummarized(t *testing.T) {
	var msgs []Message
	// Four user exchanges; with the default 3 recent, the first is old.
	msgs = append(msgs,
		userMsg(1, "first"),
		toolCallMsg(2, "c1", "read_file", `{"path":"a.txt"}`),
		toolResultMsg(3, "c1", "line1\nline2\nline3"),
		assistantMsg(4, "done"),
	)
	for i := int64(0); i < 3; i++ {
		msgs = append(msgs,
			userMsg(5+i*2, "later"),
			assistantMsg(6+i*2, "ok"),
		)
	}

	out := CompressHistory(msgs, HistoryOptions{CompressOld: true})

	var oldResult ChatMessage
	for _, m := range out {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			oldResult = m
		}
	}
	if oldResult.Content != "[Read file: 3 lines]" {
		t.Errorf("old tool result = %q, want summarized form", oldResult.Content)
	}
}

func TestCompressHistoryOldThinkingReplaced(t *testing.T) {
	var msgs []Message
	msgs = append(msgs, userMsg(1, "first"))
	msgs = append(msgs, Message{ID: 2, Role: "assistant", Content: "a", Thinking: "deep thoughts", ThinkingSignature: "sig"})
	for i := int64(0); i < 3; i++ {
		msgs = append(msgs, userMsg(3+i*2, "later"), assistantMsg(4+i*2, "ok"))
	}

	out := CompressHistory(msgs, HistoryOptions{CompressOld: true})
	if out[1].Thinking != thinkingPlaceholder {
		t.Errorf("old thinking = %q, want placeholder", out[1].Thinking)
	}
	if out[1].ThinkingSignature != "" {
		t.Error("old thinking signature not cleared")
	}
}

func TestCompressHistoryNewRegionUntouched(t *testing.T) {
	msgs := []Message{
		userMsg(1, "only exchange"),
		toolCallMsg(2, "c1", "read_file", `{"path":"a.txt"}`),
		toolResultMsg(3, "c1", "full content here"),
		assistantMsg(4, "answer"),
	}
	out := CompressHistory(msgs, HistoryOptions{CompressOld: true})
	for _, m := range out {
		if m.Role == "tool" && m.Content != "full content here" {
			t.Errorf("recent tool result modified: %q", m.Content)
		}
	}
}

func TestCompressHistoryNewRegionLargeResultTruncated(t *testing.T) {
	big := strings.Repeat("x", newResultMax+1000)
	msgs := []Message{
		userMsg(1, "go"),
		toolCallMsg(2, "c1", "shell", `{"command":"cat big"}`),
		toolResultMsg(3, "c1", big),
	}
	out := CompressHistory(msgs, HistoryOptions{})
	var result string
	for _, m := range out {
		if m.Role == "tool" {
			result = m.Content
		}
	}
	if len(result) >= len(big) {
		t.Fatalf("large result not truncated: %d bytes", len(result))
	}
	if !strings.Contains(result, "truncated") {
		t.Error("truncation marker missing")
	}
	if !strings.HasPrefix(result, "x") || !strings.HasSuffix(result, "x") {
		t.Error("head/tail not preserved")
	}
}

func TestSafeSplitNeverOrphansToolResult(t *testing.T) {
	// The (count-recent)-th user message sits right after a tool result;
	// splitting there would orphan the result from its call.
	var msgs []Message
	msgs = append(msgs,
		userMsg(1, "first"),
		toolCallMsg(2, "c1", "shell", `{"command":"ls"}`),
		toolResultMsg(3, "c1", "out"),
	)
	for i := int64(0); i < 3; i++ {
		msgs = append(msgs, userMsg(4+i*2, "later"), assistantMsg(5+i*2, "ok"))
	}

	out := CompressHistory(msgs, HistoryOptions{CompressOld: true})

	// Pairing must hold regardless of where the split landed.
	issued := map[string]bool{}
	for _, m := range out {
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
		}
		if m.Role == "tool" && !issued[m.ToolCallID] {
			t.Fatalf("tool result %q precedes its call", m.ToolCallID)
		}
	}
}

func TestRepairPairingDropsOrphanResults(t *testing.T) {
	msgs := []ChatMessage{
		UserMessage("hi"),
		ToolResultMessage("ghost", "orphan"),
		AssistantMessage("ok"),
	}
	out := RepairPairing(msgs)
	for _, m := range out {
		if m.Role == "tool" {
			t.Fatalf("orphan tool result survived: %+v", m)
		}
	}
}

func TestRepairPairingSynthesizesMissingResults(t *testing.T) {
	msgs := []ChatMessage{
		UserMessage("hi"),
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "shell", Args: json.RawMessage(`{}`)}}},
		AssistantMessage("moved on"),
	}
	out := RepairPairing(msgs)
	found := false
	for i, m := range out {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			found = true
			if i == 0 || len(out[i-1].ToolCalls) == 0 {
				t.Error("synthetic result not placed directly after its call")
			}
		}
	}
	if !found {
		t.Fatal("missing tool result not synthesized")
	}
}

func TestTruncateMiddle(t *testing.T) {
	s := strings.Repeat("a", 100)
	got := truncateMiddle(s, 10, 10)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)) {
		t.Error("head lost")
	}
	if !strings.HasSuffix(got, strings.Repeat("a", 10)) {
		t.Error("tail lost")
	}
	if !strings.Contains(got, "80 bytes truncated") {
		t.Errorf("marker wrong: %q", got)
	}
	if got := truncateMiddle("short", 10, 10); got != "short" {
		t.Errorf("short string modified: %q", got)
	}
}

func TestStubOldArgsKeepsKeyFields(t *testing.T) {
	tc := ToolCall{ID: "c1", Name: "shell", Args: json.RawMessage(`{"command":"echo hi\necho bye","env":{"A":"B"},"path":"/tmp"}`)}
	stub := stubOldArgs(tc)
	var m map[string]any
	if err := json.Unmarshal(stub, &m); err != nil {
		t.Fatalf("stub not valid JSON: %v", err)
	}
	if m["command"] != "echo hi" {
		t.Errorf("command = %v, want first line", m["command"])
	}
	if m["path"] != "/tmp" {
		t.Errorf("path = %v, want /tmp", m["path"])
	}
	if _, ok := m["env"]; ok {
		t.Error("non-key field survived stubbing")
	}
}
