package famulus

import (
	"context"
	"strings"
	"testing"
)

func seedConversation(t *testing.T, store *memStore, convID string, messages int) Conversation {
	t.Helper()
	ctx := context.Background()
	conv := Conversation{ID: convID, CreatedAt: NowUnix()}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < messages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_, err := store.AppendMessage(ctx, Message{
			ConversationID: convID,
			Role:           role,
			Content:        "message content",
			CreatedAt:      NowUnix(),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return conv
}

func TestSummarizerShouldUpdateInitialThreshold(t *testing.T) {
	store := newMemStore()
	s := NewConversationSummarizer(store, nil, nil)
	ctx := context.Background()

	conv := seedConversation(t, store, "c1", summaryInitialThreshold-1)
	ok, err := s.ShouldUpdate(ctx, conv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("ShouldUpdate = true below initial threshold")
	}

	if _, err := store.AppendMessage(ctx, Message{ConversationID: "c1", Role: "user", Content: "one more"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err = s.ShouldUpdate(ctx, conv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("ShouldUpdate = false at initial threshold")
	}
}

func TestSummarizerShouldUpdateInterval(t *testing.T) {
	store := newMemStore()
	s := NewConversationSummarizer(store, nil, nil)
	ctx := context.Background()

	conv := seedConversation(t, store, "c1", 20)
	lastID, _ := store.LastMessageID(ctx, "c1")
	conv.Summary = "existing"
	conv.SummaryUpToMessage = lastID

	ok, err := s.ShouldUpdate(ctx, conv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("ShouldUpdate = true right after summarization")
	}

	for i := 0; i < summaryUpdateInterval; i++ {
		if _, err := store.AppendMessage(ctx, Message{ConversationID: "c1", Role: "user", Content: "new"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	ok, err = s.ShouldUpdate(ctx, conv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("ShouldUpdate = false after interval of new messages")
	}
}

func TestSummarizerGenerateIncremental(t *testing.T) {
	store := newMemStore()
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "- updated summary"}}}}
	s := NewConversationSummarizer(store, NewClient(stub, fastRetry()), nil)
	ctx := context.Background()

	conv := seedConversation(t, store, "c1", 6)
	conv.Summary = "- old summary"
	conv.SummaryUpToMessage = 3

	got, err := s.GenerateSummary(ctx, conv, "j1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "- updated summary" {
		t.Errorf("summary = %q", got)
	}

	// The prompt must carry the existing summary and only the new tail.
	prompt := stub.lastRequest().Messages[0].Content
	if !strings.Contains(prompt, "- old summary") {
		t.Error("existing summary not fed to the model")
	}

	// Persisted high-water mark advanced to the last message.
	saved, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Summary != "- updated summary" {
		t.Errorf("persisted summary = %q", saved.Summary)
	}
	lastID, _ := store.LastMessageID(ctx, "c1")
	if saved.SummaryUpToMessage != lastID {
		t.Errorf("high-water = %d, want %d", saved.SummaryUpToMessage, lastID)
	}
}

func TestSummarizerGenerateNoNewMessages(t *testing.T) {
	store := newMemStore()
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "should not be called"}}}}
	s := NewConversationSummarizer(store, NewClient(stub, fastRetry()), nil)
	ctx := context.Background()

	conv := seedConversation(t, store, "c1", 4)
	lastID, _ := store.LastMessageID(ctx, "c1")
	conv.Summary = "- stable"
	conv.SummaryUpToMessage = lastID

	got, err := s.GenerateSummary(ctx, conv, "j1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "- stable" {
		t.Errorf("summary = %q, want existing", got)
	}
	if stub.calls != 0 {
		t.Error("model called with nothing past the high-water mark")
	}
}

func TestBuildContextHeader(t *testing.T) {
	s := NewConversationSummarizer(newMemStore(), nil, nil)
	h := s.BuildContextHeader(50, 10, "- earlier stuff")
	if !strings.Contains(h, "50 messages") {
		t.Errorf("total missing: %q", h)
	}
	if !strings.Contains(h, "oldest 40") {
		t.Errorf("hidden count missing: %q", h)
	}
	if !strings.Contains(h, "- earlier stuff") {
		t.Error("summary missing")
	}
	if !strings.Contains(h, "recall_from_chat") {
		t.Error("recall hint missing")
	}
}
