package famulus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// agentEnv wires a full Agent over in-memory fakes.
type agentEnv struct {
	store    *memStore
	queue    *JobQueue
	registry *Registry
	main     *stubProvider
	cheap    *stubProvider
	routing  *stubProvider
	agent    *Agent
}

// newAgentEnv builds an agent whose main model replays mainResults and whose
// router replies routingReply ("0" simple, "1" complex).
func newAgentEnv(t *testing.T, routingReply string, mainResults ...stubResult) *agentEnv {
	t.Helper()
	store := newMemStore()
	queue := NewJobQueue(store, nil)
	registry := NewRegistry()
	activities := NewActivityLog(store, nil)

	mainStub := &stubProvider{results: mainResults}
	cheapStub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "-"}}}}
	routingStub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: routingReply}}}}

	main := NewClient(mainStub, fastRetry())
	cheap := NewClient(cheapStub, fastRetry())
	routingClient := NewClient(routingStub, fastRetry())

	counter := NewTokenCounter()
	ctxmgr := NewContextManager(cheap, counter, nil)
	summarizer := NewConversationSummarizer(store, cheap, nil)
	loader := NewSkillLoader("", store, nil)
	router := NewSkillRouter(loader, cheap, nil)

	agent := NewAgent(AgentDeps{
		Store:      store,
		Queue:      queue,
		Main:       main,
		Cheap:      cheap,
		Registry:   registry,
		Activities: activities,
		ContextMgr: ctxmgr,
		Summarizer: summarizer,
		Loader:     loader,
		Router:     router,
		Routing:    NewRoutingAgent(routingClient, nil),
		Delegate:   NewDelegateExecutor(cheap, registry, activities, nil),
		Explore:    NewExploreExecutor(cheap, registry, activities, nil),
		Research:   NewResearchLog(t.TempDir(), nil),
		Usage:      NewUsageTracker(store, nil),
	})

	return &agentEnv{
		store:    store,
		queue:    queue,
		registry: registry,
		main:     mainStub,
		cheap:    cheapStub,
		routing:  routingStub,
		agent:    agent,
	}
}

// startJob seeds the conversation with the user message and a running job.
func (e *agentEnv) startJob(t *testing.T, message string, opts JobOptions) Job {
	t.Helper()
	ctx := context.Background()
	convID := NewID()
	if err := e.store.CreateConversation(ctx, Conversation{ID: convID, CreatedAt: NowUnix()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.store.AppendMessage(ctx, Message{
		ConversationID: convID, Role: "user", Content: message, CreatedAt: NowUnix(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, err := e.queue.CreateJob(ctx, NewID(), convID, message, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.queue.SetStatus(ctx, job.ID, JobRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, _ = e.queue.GetJob(ctx, job.ID)
	return job
}

func TestAgentSimpleAnswer(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "Hello! How can I help?"}})
	job := env.startJob(t, "hi", JobOptions{})

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}
	if res.Summary != "Hello! How can I help?" {
		t.Errorf("summary = %q", res.Summary)
	}

	// The final answer is persisted as a visible assistant message.
	msgs, _ := env.store.GetMessages(context.Background(), job.ConversationID, false)
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != "Hello! How can I help?" {
		t.Errorf("final message = %+v", last)
	}
}

func TestAgentToolCallThenAnswer(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"key":"x"}`)}
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{ToolCalls: []ToolCall{call}, StopReason: StopToolUse}},
		stubResult{resp: ChatResponse{Content: "The value is 42."}})

	invoked := 0
	if err := env.registry.Register(Tool{
		Name:        "lookup",
		Description: "looks up a value",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"],"additionalProperties":false}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			invoked++
			return "42", nil
		},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := env.startJob(t, "what is x?", JobOptions{})
	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}
	if invoked != 1 {
		t.Errorf("tool invoked %d times, want 1", invoked)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}

	// The tool exchange is persisted internally with pairing intact.
	msgs, _ := env.store.GetMessages(context.Background(), job.ConversationID, true)
	var sawCall, sawResult bool
	for _, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 && m.Internal {
			sawCall = true
		}
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "42" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Error("tool exchange not persisted")
	}
	// Internal turns are hidden from the visible transcript.
	visible, _ := env.store.GetMessages(context.Background(), job.ConversationID, false)
	for _, m := range visible {
		if m.Role == "tool" {
			t.Error("tool message leaked into visible transcript")
		}
	}
}

func TestAgentSkipHistoryUsesOnlyJobMessage(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "Report filed."}})
	ctx := context.Background()
	job := env.startJob(t, "old request", JobOptions{})
	for _, m := range []Message{
		{ConversationID: job.ConversationID, Role: "assistant", Content: "old answer"},
		{ConversationID: job.ConversationID, Role: "user", Content: "old follow-up"},
	} {
		m.CreatedAt = NowUnix()
		if _, err := env.store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// A skip-history job on the same conversation sees only its own message.
	fresh, err := env.queue.CreateJob(ctx, NewID(), job.ConversationID, "fresh prompt", JobOptions{SkipHistory: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.queue.SetStatus(ctx, fresh.ID, JobRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, _ = env.queue.GetJob(ctx, fresh.ID)

	res := env.agent.Run(ctx, fresh)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}

	req := env.main.lastRequest()
	var nonSystem []ChatMessage
	for _, m := range req.Messages {
		if m.Role != "system" {
			nonSystem = append(nonSystem, m)
		}
	}
	if len(nonSystem) != 1 || nonSystem[0].Role != "user" || nonSystem[0].Content != "fresh prompt" {
		t.Fatalf("context = %+v, want only the job message", nonSystem)
	}
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "old answer") || strings.Contains(m.Content, "old follow-up") {
			t.Errorf("stored history leaked into a skip-history run: %q", firstLine(m.Content, 80))
		}
	}
}

func TestAgentHeadlessAskUserAnswersItself(t *testing.T) {
	ask := ToolCall{ID: "c1", Name: "ask_user", Args: json.RawMessage(`{"question":"Which format?"}`)}
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{ToolCalls: []ToolCall{ask}, StopReason: StopToolUse}},
		stubResult{resp: ChatResponse{Content: "Done, used the default."}})

	job := env.startJob(t, "nightly task", JobOptions{
		Headless:       true,
		AskUserDefault: "Use markdown.",
	})
	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}

	// The default answer went back to the model as the tool result.
	msgs, _ := env.store.GetMessages(context.Background(), job.ConversationID, true)
	var sawDefault bool
	for _, m := range msgs {
		if m.Role == "user" && m.Content == "Use markdown." {
			sawDefault = true
		}
	}
	if !sawDefault {
		t.Error("headless ask_user default not persisted")
	}
}

func TestAgentForceRespondDisablesTools(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "Here is what I have so far."}})
	job := env.startJob(t, "long task", JobOptions{})
	if err := env.queue.ForceRespond(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	req := env.main.lastRequest()
	if req.ToolChoice != ToolChoiceNone {
		t.Errorf("tool choice = %q, want none under force respond", req.ToolChoice)
	}
	// The directive was injected for the model.
	found := false
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "Stop using tools now") {
			found = true
		}
	}
	if !found {
		t.Error("force-respond directive not injected")
	}
}

func TestAgentCancelledBeforeStart(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "never used"}})
	job := env.startJob(t, "task", JobOptions{})
	if err := env.queue.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunCancelled {
		t.Fatalf("status = %q, want cancelled", res.Status)
	}
	if env.main.calls != 0 {
		t.Errorf("main model called %d times after cancellation", env.main.calls)
	}
}

func TestAgentConsecutiveEmptyResponsesFail(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: ""}})
	job := env.startJob(t, "task", JobOptions{})

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if env.main.calls != truncationFailLimit {
		t.Errorf("main calls = %d, want %d", env.main.calls, truncationFailLimit)
	}
}

func TestAgentThinkingOnlyResponseContinues(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "<thinking>let me consider</thinking>"}},
		stubResult{resp: ChatResponse{Content: "Considered. The answer is yes."}})
	job := env.startJob(t, "is it so?", JobOptions{})

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	// The thinking turn was persisted internal-only.
	msgs, _ := env.store.GetMessages(context.Background(), job.ConversationID, true)
	var sawThinking bool
	for _, m := range msgs {
		if m.Internal && m.Thinking == "let me consider" {
			sawThinking = true
		}
	}
	if !sawThinking {
		t.Error("thinking-only turn not persisted")
	}
}

func TestAgentStripsInternalMarkupFromAnswer(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "<plan>secret plan</plan>The public answer."}})
	job := env.startJob(t, "task", JobOptions{})

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if res.Summary != "The public answer." {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestAgentTruncatedCorruptToolCallsRetried(t *testing.T) {
	corrupt := ToolCall{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"key": "unterminat`)}
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{ToolCalls: []ToolCall{corrupt}, StopReason: StopMaxTokens, Truncated: true}},
		stubResult{resp: ChatResponse{Content: "Recovered."}})
	job := env.startJob(t, "task", JobOptions{})

	res := env.agent.Run(context.Background(), job)
	if res.Status != RunSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}
	if res.Summary != "Recovered." {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestAgentEmitsLLMCallActivity(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "Hi."}})
	job := env.startJob(t, "hi", JobOptions{})

	if res := env.agent.Run(context.Background(), job); res.Status != RunSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	acts, err := env.store.GetActivities(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawCall bool
	for _, a := range acts {
		if a.Type == ActivityLLMCall {
			sawCall = true
			if !strings.Contains(a.Message, "stub-model") {
				t.Errorf("llm_call message = %q, want the model name", a.Message)
			}
		}
	}
	if !sawCall {
		t.Error("no llm_call activity recorded for the provider call")
	}
}

func TestAgentRoutingSeesRecentHistory(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "About 2.1 million."}})
	ctx := context.Background()

	convID := NewID()
	if err := env.store.CreateConversation(ctx, Conversation{ID: convID, CreatedAt: NowUnix()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range []Message{
		{ConversationID: convID, Role: "user", Content: "what is the capital of France?"},
		{ConversationID: convID, Role: "assistant", Content: "The capital of France is Paris."},
		{ConversationID: convID, Role: "user", Content: "and its population?"},
	} {
		m.CreatedAt = NowUnix()
		if _, err := env.store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	job, err := env.queue.CreateJob(ctx, NewID(), convID, "and its population?", JobOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.queue.SetStatus(ctx, job.ID, JobRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, _ = env.queue.GetJob(ctx, job.ID)

	if res := env.agent.Run(ctx, job); res.Status != RunSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}

	// The classifier prompt carries the conversation tail, not just the bare
	// follow-up message.
	req := env.routing.lastRequest()
	if len(req.Messages) == 0 {
		t.Fatal("routing model never called")
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(prompt, "Recent context") {
		t.Errorf("routing prompt has no context section: %q", firstLine(prompt, 120))
	}
	if !strings.Contains(prompt, "The capital of France is Paris.") {
		t.Error("routing prompt missing the prior assistant turn")
	}
}

func TestSplitThinking(t *testing.T) {
	visible, thinking := splitThinking("<thinking>a\nb</thinking>Answer here.")
	if thinking != "a\nb" {
		t.Errorf("thinking = %q", thinking)
	}
	if visible != "Answer here." {
		t.Errorf("visible = %q", visible)
	}

	visible, thinking = splitThinking("no tags at all")
	if thinking != "" || visible != "no tags at all" {
		t.Errorf("plain content mangled: %q / %q", visible, thinking)
	}
}

func TestStripInternalMarkup(t *testing.T) {
	in := "<thinking>t</thinking><plan>p</plan>Answer.<reflection>r</reflection>"
	if got := stripInternalMarkup(in); got != "Answer." {
		t.Errorf("got %q", got)
	}
}

func TestHistoryLoopDetected(t *testing.T) {
	call := func(args string) ChatMessage {
		return ChatMessage{Role: "assistant", ToolCalls: []ToolCall{
			{ID: NewID(), Name: "web_search", Args: json.RawMessage(args)},
		}}
	}
	same := []ChatMessage{
		UserMessage("go"),
		call(`{"q":"x"}`), ToolResultMessage("a", "r"),
		call(`{"q":"x"}`), ToolResultMessage("b", "r"),
		call(`{"q":"x"}`), ToolResultMessage("c", "r"),
	}
	if !historyLoopDetected(same) {
		t.Error("identical signatures not detected")
	}
	varied := []ChatMessage{
		UserMessage("go"),
		call(`{"q":"x"}`), ToolResultMessage("a", "r"),
		call(`{"q":"y"}`), ToolResultMessage("b", "r"),
		call(`{"q":"x"}`), ToolResultMessage("c", "r"),
	}
	if historyLoopDetected(varied) {
		t.Error("varied signatures flagged")
	}
	if historyLoopDetected(same[:3]) {
		t.Error("too-short history flagged")
	}
}
