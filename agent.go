package famulus

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSteps           = 100
	defaultReflectionInterval = 5
	defaultThinkingBudget     = 4096

	// truncationFailLimit is how many consecutive empty or fully corrupted
	// responses end the job.
	truncationFailLimit = 3

	// askUserWait bounds how long a worker blocks on the ask-user rendezvous.
	askUserWait = 300 * time.Second
)

// Agent run statuses.
const (
	RunSuccess   = "success"
	RunError     = "error"
	RunCancelled = "cancelled"
	RunTimeout   = "timeout"
)

// AgentResult is the outcome of one job execution.
type AgentResult struct {
	Status              string  `json:"status"`
	Summary             string  `json:"summary,omitempty"`
	Steps               int     `json:"steps"`
	ElapsedSeconds      float64 `json:"elapsed_seconds"`
	ContextUsagePercent float64 `json:"context_usage_percent"`
	Error               string  `json:"error,omitempty"`
}

// Agent drives the main tool-calling loop for one job at a time. A single
// Agent value is shared by all workers; per-job state lives on the stack of
// Run.
type Agent struct {
	store      Store
	queue      *JobQueue
	main       *Client
	cheap      *Client
	registry   *Registry
	activities *ActivityLog
	ctxmgr     *ContextManager
	summarizer *ConversationSummarizer
	loader     *SkillLoader
	router     *SkillRouter
	routing    *RoutingAgent
	delegate   *SubAgentExecutor
	explore    *SubAgentExecutor
	research   *ResearchLog
	usage      *UsageTracker
	tracer     Tracer
	log        *slog.Logger

	maxSteps           int
	reflectionInterval int
	thinkingBudget     int
	userInstructions   string

	// dynamicTools supplies job-scoped tools (scheduling helpers) at run
	// start. Set during wiring; may be nil.
	dynamicTools func(job Job) []Tool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMaxSteps overrides the step bound (default 100).
func WithMaxSteps(n int) AgentOption {
	return func(a *Agent) { a.maxSteps = n }
}

// WithReflectionInterval overrides how often the reflection prompt is
// injected on complex tasks (default every 5 steps).
func WithReflectionInterval(n int) AgentOption {
	return func(a *Agent) { a.reflectionInterval = n }
}

// WithThinkingBudget overrides the reasoning-token budget used for complex
// tasks (default 4096). Simple tasks never think.
func WithThinkingBudget(n int) AgentOption {
	return func(a *Agent) { a.thinkingBudget = n }
}

// WithUserInstructions sets the user's standing instructions appended to
// every system prompt.
func WithUserInstructions(s string) AgentOption {
	return func(a *Agent) { a.userInstructions = s }
}

// WithTracer sets the span factory.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithDynamicTools sets the provider of job-scoped tools registered for the
// duration of one run.
func WithDynamicTools(f func(job Job) []Tool) AgentOption {
	return func(a *Agent) { a.dynamicTools = f }
}

// AgentDeps bundles the collaborators an Agent needs.
type AgentDeps struct {
	Store      Store
	Queue      *JobQueue
	Main       *Client
	Cheap      *Client
	Registry   *Registry
	Activities *ActivityLog
	ContextMgr *ContextManager
	Summarizer *ConversationSummarizer
	Loader     *SkillLoader
	Router     *SkillRouter
	Routing    *RoutingAgent
	Delegate   *SubAgentExecutor
	Explore    *SubAgentExecutor
	Research   *ResearchLog
	Usage      *UsageTracker
	Logger     *slog.Logger
}

func NewAgent(deps AgentDeps, opts ...AgentOption) *Agent {
	log := deps.Logger
	if log == nil {
		log = nopLogger
	}
	a := &Agent{
		store:              deps.Store,
		queue:              deps.Queue,
		main:               deps.Main,
		cheap:              deps.Cheap,
		registry:           deps.Registry,
		activities:         deps.Activities,
		ctxmgr:             deps.ContextMgr,
		summarizer:         deps.Summarizer,
		loader:             deps.Loader,
		router:             deps.Router,
		routing:            deps.Routing,
		delegate:           deps.Delegate,
		explore:            deps.Explore,
		research:           deps.Research,
		usage:              deps.Usage,
		log:                log,
		maxSteps:           defaultMaxSteps,
		reflectionInterval: defaultReflectionInterval,
		thinkingBudget:     defaultThinkingBudget,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes one job to a terminal outcome. The job must already be in
// status running; the worker owns status transitions.
func (a *Agent) Run(ctx context.Context, job Job) AgentResult {
	start := time.Now()
	cancelled := a.queue.CancelCheck(job.ID)

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("job_id", job.ID),
			StringAttr("conversation_id", job.ConversationID))
		defer span.End()
	}

	var recent []ChatMessage
	if !job.SkipHistory {
		if tail, err := a.store.GetConversationHistory(ctx, job.ConversationID, HistoryOptions{Limit: 8}); err == nil {
			recent = tail
		}
	}
	depth := a.routing.Classify(ctx, job.Message, recent, job.ID, job.ConversationID)
	a.activities.Emit(ctx, job.ID, ActivityRouting, fmt.Sprintf("depth %d", depth))
	if span != nil {
		span.SetAttr(IntAttr("depth", depth))
	}

	if depth > DepthSimple {
		a.activities.Emit(ctx, job.ID, ActivityStep, "working on it")
		go a.generateSuggestions(ctx, job, cancelled)
		go a.emitProgressSteps(ctx, job.ID, cancelled)
	}

	reg := a.jobRegistry(job)
	result := a.runLoop(ctx, job, reg, depth, cancelled)
	result.ElapsedSeconds = time.Since(start).Seconds()

	if span != nil {
		span.SetAttr(StringAttr("status", result.Status), IntAttr("steps", result.Steps))
		if result.Status == RunError {
			span.Error(fmt.Errorf("%s", result.Error))
		}
	}
	a.log.Debug("agent run finished",
		"job", job.ID,
		"status", result.Status,
		"steps", result.Steps,
		"duration", time.Since(start))
	return result
}

// jobRegistry clones the base registry and installs job-scoped tools.
func (a *Agent) jobRegistry(job Job) *Registry {
	reg := a.registry.Clone()
	if a.dynamicTools != nil {
		for _, t := range a.dynamicTools(job) {
			if err := reg.Register(t); err != nil {
				a.log.Warn("dynamic tool registration failed", "tool", t.Name, "error", err)
			}
		}
	}
	// ask_user needs the queue rendezvous; it is dispatched specially in
	// execTools, the registration only advertises the schema.
	if err := reg.Register(Tool{
		Name:        "ask_user",
		Description: "Ask the user a question and wait for their reply. Use options for multiple choice.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"options":{"type":"array","items":{"type":"string"}}},"required":["question"],"additionalProperties":false}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("ask_user must be dispatched by the agent loop")
		},
	}); err != nil {
		a.log.Warn("ask_user registration failed", "error", err)
	}
	return reg
}

type loopInjection struct {
	content string
}

func (a *Agent) runLoop(ctx context.Context, job Job, reg *Registry, depth int, cancelled func() bool) AgentResult {
	state := NewLoopState()
	truncCount := 0
	prevStepRanTools := false
	var lastUsagePercent float64

	for step := 1; step <= a.maxSteps; step++ {
		// Checkpoint 1: start of step.
		if cancelled() {
			return a.finishCancelled(ctx, job, step-1)
		}
		a.activities.Emit(ctx, job.ID, ActivityStep, fmt.Sprintf("step %d", step))

		msgs, _, err := a.assembleContext(ctx, job)
		if err != nil {
			return a.finishError(ctx, job, step, fmt.Errorf("assemble context: %w", err))
		}

		activeSkills, err := a.selectSkills(ctx, job, msgs)
		if err != nil {
			a.log.Warn("skill selection failed", "job", job.ID, "error", err)
		}

		system := BuildSystemPrompt(time.Now(), a.userInstructions, activeSkills)
		if depth > DepthSimple && step == 1 {
			system += "\n\n" + planningInjection
		}
		assembled := append([]ChatMessage{SystemMessage(system)}, msgs...)

		if depth > DepthSimple && step > 1 && step%a.reflectionInterval == 0 {
			assembled = append(assembled, UserMessage(reflectionInjection))
		}
		if historyLoopDetected(assembled) {
			a.activities.Emit(ctx, job.ID, ActivityLoopDetected, "identical recent tool calls")
			assembled = append(assembled, UserMessage(antiLoopInstruction))
		}

		forceRespond := a.queue.IsForceRespond(job.ID)
		if forceRespond {
			assembled = append(assembled, UserMessage(forceRespondDirective))
		}

		assembled = a.ctxmgr.Compress(ctx, a.main.Model(), assembled, true, job.ID, job.ConversationID)
		lastUsagePercent = a.ctxmgr.UsagePercent(a.main.Model(), assembled) * 100

		// Checkpoint 2: before the LLM call.
		if cancelled() {
			return a.finishCancelled(ctx, job, step)
		}

		opts := ChatOptions{
			Tools:          reg.Definitions(),
			ToolChoice:     ToolChoiceAuto,
			Component:      "agent",
			JobID:          job.ID,
			ConversationID: job.ConversationID,
			CancelCheck:    cancelled,
			OnEvent: func(ev StreamEvent) {
				if ev.Type == EventThinkingDelta && ev.Content != "" {
					a.activities.Emit(ctx, job.ID, ActivityThinkingStream, firstLine(ev.Content, 200))
				}
			},
		}
		if depth > DepthSimple {
			opts.ThinkingBudget = a.thinkingBudget
		}
		if forceRespond {
			opts.ToolChoice = ToolChoiceNone
		}

		a.activities.Emit(ctx, job.ID, ActivityLLMCall, "calling "+a.main.Model())
		resp, err := a.main.Chat(ctx, assembled, opts)
		if err == ErrJobCancelled {
			return a.finishCancelled(ctx, job, step)
		}
		if err != nil {
			return a.finishError(ctx, job, step, err)
		}
		a.activities.Emit(ctx, job.ID, ActivityLLMResponse, firstLine(resp.Content, 200))
		if resp.Truncated && len(resp.ToolCalls) > 0 {
			a.activities.Emit(ctx, job.ID, ActivityWarning, "response hit the output limit while emitting tool calls")
		}

		// Checkpoint 3: after the LLM call.
		if cancelled() {
			return a.finishCancelled(ctx, job, step)
		}

		visible, thinking := splitThinking(resp.Content)
		if resp.Thinking != "" {
			thinking = resp.Thinking
		}
		a.emitReasoningActivities(ctx, job.ID, visible, thinking, depth, step)

		switch {
		case len(resp.ToolCalls) > 0:
			calls := resp.ToolCalls
			if resp.Truncated {
				calls = a.validateTruncatedCalls(ctx, job.ID, calls)
				if len(calls) == 0 {
					truncCount++
					if truncCount >= truncationFailLimit {
						return a.finishError(ctx, job, step, fmt.Errorf("tool arguments truncated %d times in a row", truncCount))
					}
					continue
				}
			}

			// Checkpoint 4: before tool execution.
			if cancelled() {
				return a.finishCancelled(ctx, job, step)
			}
			a.activities.Emit(ctx, job.ID, ActivityThinkingStream, "running "+toolNamesOf(calls))

			outcomes, wasCancelled := a.execTools(ctx, job, reg, calls, cancelled)
			if wasCancelled {
				// Do not persist a partial batch.
				return a.finishCancelled(ctx, job, step)
			}

			if stop := a.applyLoopState(ctx, job, state, calls, outcomes); stop != nil {
				return *stop
			}

			a.persistToolExchange(ctx, job, resp, calls, outcomes)

			nudge, hardStop := state.ObserveToolOnlyResponse(strings.TrimSpace(visible) != "")
			if hardStop {
				return a.finishError(ctx, job, step, fmt.Errorf("%d consecutive tool-only responses", toolOnlyHardStop))
			}
			if nudge {
				a.persistInternalUser(ctx, job.ConversationID, toolOnlyNudge)
			}

			truncCount = 0
			prevStepRanTools = true
			continue

		case strings.TrimSpace(visible) == "" && thinking != "":
			a.persistMessage(ctx, Message{
				ConversationID: job.ConversationID,
				Role:           "assistant",
				Thinking:       thinking,
				Internal:       true,
			})
			continue

		case strings.TrimSpace(visible) == "":
			if prevStepRanTools && !resp.Truncated {
				return a.finishSuccess(ctx, job, "Done.", step, lastUsagePercent)
			}
			truncCount++
			if truncCount >= truncationFailLimit {
				return a.finishError(ctx, job, step, fmt.Errorf("%d consecutive empty responses", truncCount))
			}
			continue

		default:
			final := stripInternalMarkup(visible)
			return a.finishSuccess(ctx, job, final, step, lastUsagePercent)
		}
	}

	a.activities.Emit(ctx, job.ID, ActivityTimeout, fmt.Sprintf("step bound %d reached", a.maxSteps))
	return AgentResult{Status: RunTimeout, Steps: a.maxSteps, ContextUsagePercent: lastUsagePercent}
}

// assembleContext loads and shapes the conversation for the next LLM call.
// Returns the messages and the total persisted message count.
func (a *Agent) assembleContext(ctx context.Context, job Job) ([]ChatMessage, int, error) {
	if job.SkipHistory {
		// The job's own message is the whole context; stored history is
		// deliberately invisible to these runs.
		return []ChatMessage{UserMessage(job.Message)}, 1, nil
	}

	conv, err := a.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return nil, 0, err
	}
	if ok, err := a.summarizer.ShouldUpdate(ctx, conv); err == nil && ok {
		if _, err := a.summarizer.GenerateSummary(ctx, conv, job.ID); err != nil {
			a.log.Warn("summary update failed", "conversation", conv.ID, "error", err)
		} else {
			conv, _ = a.store.GetConversation(ctx, job.ConversationID)
		}
	}

	total, err := a.store.CountMessages(ctx, job.ConversationID)
	if err != nil {
		return nil, 0, err
	}
	history, err := a.store.GetConversationHistory(ctx, job.ConversationID, HistoryOptions{CompressOld: true})
	if err != nil {
		return nil, 0, err
	}

	if conv.Summary != "" {
		header := a.summarizer.BuildContextHeader(total, len(history), conv.Summary)
		// The synthetic acknowledgment keeps user/assistant turn alternation.
		withHeader := make([]ChatMessage, 0, len(history)+2)
		withHeader = append(withHeader, UserMessage(header), AssistantMessage("Understood."))
		withHeader = append(withHeader, history...)
		history = withHeader
	}
	return history, total, nil
}

// selectSkills runs the skill router and persists the updated TTL map.
func (a *Agent) selectSkills(ctx context.Context, job Job, msgs []ChatMessage) ([]Skill, error) {
	active, err := a.store.GetAgentContext(ctx, job.ConversationID)
	if err != nil {
		return nil, err
	}
	next := a.router.Route(ctx, msgs, active, job.ID, job.ConversationID)
	if err := a.store.SaveAgentContext(ctx, job.ConversationID, next); err != nil {
		return nil, err
	}
	skills := make([]Skill, 0, len(next))
	for name := range next {
		if sk, ok, err := a.loader.Get(ctx, name); err == nil && ok {
			skills = append(skills, sk)
		}
	}
	return skills, nil
}

// validateTruncatedCalls drops tool calls whose argument JSON was corrupted
// by the output cutoff.
func (a *Agent) validateTruncatedCalls(ctx context.Context, jobID string, calls []ToolCall) []ToolCall {
	valid := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		if json.Valid(tc.Args) {
			valid = append(valid, tc)
			continue
		}
		a.activities.EmitTool(ctx, jobID, ActivityWarning, tc.Name,
			"dropping tool call with truncated arguments", string(tc.Args), true)
	}
	if len(valid) == 0 {
		a.activities.EmitError(ctx, jobID, ActivityError, "all tool calls in the truncated response were corrupted")
	}
	return valid
}

type toolOutcome struct {
	call    ToolCall
	result  string
	isError bool
}

// execTools runs a batch: delegate_task calls concurrently, everything else
// sequentially with a cancellation check between calls. The second return is
// true when the batch was abandoned mid-way; nothing from it may be
// persisted in that case.
func (a *Agent) execTools(ctx context.Context, job Job, reg *Registry, calls []ToolCall, cancelled func() bool) ([]toolOutcome, bool) {
	outcomes := make([]toolOutcome, len(calls))

	var delegates []int
	var others []int
	for i, tc := range calls {
		if tc.Name == "delegate_task" {
			delegates = append(delegates, i)
		} else {
			others = append(others, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range delegates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = a.runOneTool(ctx, job, reg, calls[i], cancelled)
		}(i)
	}

	aborted := false
	for _, i := range others {
		if cancelled() {
			aborted = true
			break
		}
		outcomes[i] = a.runOneTool(ctx, job, reg, calls[i], cancelled)
	}
	wg.Wait()

	if aborted || cancelled() {
		return nil, true
	}
	return outcomes, false
}

// runOneTool dispatches a single call with activity bookkeeping. Panics in
// handlers are contained and serialized as errors.
func (a *Agent) runOneTool(ctx context.Context, job Job, reg *Registry, tc ToolCall, cancelled func() bool) (out toolOutcome) {
	out.call = tc
	defer func() {
		if r := recover(); r != nil {
			out.result = fmt.Sprintf("tool panic: %v", r)
			out.isError = true
			a.log.Error("tool handler panicked", "tool", tc.Name, "panic", r)
		}
		a.activities.EmitTool(ctx, job.ID, ActivityToolResult, tc.Name,
			firstLine(out.result, 200), out.result, out.isError)
	}()

	a.activities.EmitTool(ctx, job.ID, ActivityToolCall, tc.Name,
		tc.Name+" "+firstLine(string(tc.Args), 150), string(tc.Args), false)

	if tc.Name == "ask_user" {
		out.result, out.isError = a.handleAskUser(ctx, job, tc, cancelled)
		return out
	}

	result, err := reg.Call(ctx, tc.Name, tc.Args)
	if err != nil {
		out.result = "error: " + err.Error()
		out.isError = true
		return out
	}
	out.result = serializeToolResult(result)
	a.trackSkillUsage(ctx, job, tc.Name, out.result)
	return out
}

// trackSkillUsage detects the auxiliary usage shape some skill tools return
// when they call LLMs themselves, and records it without altering the value
// handed back to the model.
func (a *Agent) trackSkillUsage(ctx context.Context, job Job, toolName, result string) {
	if a.usage == nil || !strings.Contains(result, `"usage"`) {
		return
	}
	var aux struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Usage    *Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(result), &aux); err != nil || aux.Usage == nil || aux.Model == "" {
		return
	}
	a.usage.Record(ctx, UsageRecord{
		ID:               NewID(),
		JobID:            job.ID,
		ConversationID:   job.ConversationID,
		Model:            aux.Model,
		Provider:         aux.Provider,
		PromptTokens:     aux.Usage.PromptTokens,
		CompletionTokens: aux.Usage.CompletionTokens,
		Component:        "skill:" + toolName,
		CreatedAt:        NowUnix(),
	})
}

// handleAskUser implements the pause/resume protocol. Headless jobs answer
// themselves with the configured default; interactive jobs park the worker
// on the rendezvous until the user replies.
func (a *Agent) handleAskUser(ctx context.Context, job Job, tc ToolCall, cancelled func() bool) (string, bool) {
	var args struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(tc.Args, &args); err != nil || args.Question == "" {
		return "error: ask_user requires a question", true
	}

	if job.Headless {
		def := job.AskUserDefault
		if def == "" {
			def = "Proceed with your best judgment."
		}
		a.persistMessage(ctx, Message{
			ConversationID: job.ConversationID,
			Role:           "assistant",
			Content:        args.Question,
			Metadata:       questionMetadata(args.Options),
		})
		a.persistMessage(ctx, Message{
			ConversationID: job.ConversationID,
			Role:           "user",
			Content:        def,
		})
		return def, false
	}

	a.persistMessage(ctx, Message{
		ConversationID: job.ConversationID,
		Role:           "assistant",
		Content:        args.Question,
		Metadata:       questionMetadata(args.Options),
	})
	if err := a.queue.SetQuestion(ctx, job.ID, args.Question, args.Options); err != nil {
		return "error: " + err.Error(), true
	}

	reply, err := a.queue.WaitForResponse(ctx, job.ID, askUserWait)
	if err != nil {
		if err == ErrJobCancelled {
			return "error: cancelled while waiting for the user", true
		}
		return "error: no user response: " + err.Error(), true
	}
	a.persistMessage(ctx, Message{
		ConversationID: job.ConversationID,
		Role:           "user",
		Content:        reply,
	})
	return reply, false
}

func questionMetadata(options []string) json.RawMessage {
	meta := map[string]any{"type": "question"}
	if len(options) > 0 {
		meta["options"] = options
	}
	b, _ := json.Marshal(meta)
	return b
}

// applyLoopState feeds the batch into the loop/limit detectors and performs
// the prescribed injections. A non-nil return ends the job.
func (a *Agent) applyLoopState(ctx context.Context, job Job, state *LoopState, calls []ToolCall, outcomes []toolOutcome) *AgentResult {
	for i, tc := range calls {
		if preview, dup := state.CheckDuplicate(tc); dup {
			a.activities.EmitTool(ctx, job.ID, ActivityDuplicateTool, tc.Name,
				"repeated call with identical arguments", preview, false)
		}
		state.RememberResult(tc, outcomes[i].result)

		toolHit, totalHit := state.CountTool(tc.Name)
		if toolHit {
			a.activities.EmitTool(ctx, job.ID, ActivityToolLimit, tc.Name,
				fmt.Sprintf("%s reached its per-task budget", tc.Name), "", false)
			a.persistInternalUser(ctx, job.ConversationID, synthesisPrompt(tc.Name, state.ToolCount(tc.Name)))
		}
		if totalHit {
			a.activities.Emit(ctx, job.ID, ActivityToolLimit, "total tool budget reached")
			a.persistInternalUser(ctx, job.ConversationID, totalLimitPrompt)
		}

		if (tc.Name == "web_search" || tc.Name == "web_fetch") && state.ResearchModeDue() && !outcomes[i].isError {
			path, err := a.research.Append(job.ConversationID, tc.Name, outcomes[i].result)
			if err != nil {
				a.log.Warn("research append failed", "error", err)
			} else if state.MarkResearchFileCreated() {
				a.activities.Emit(ctx, job.ID, ActivityResearchMode, "collecting findings in "+path)
				a.persistInternalUser(ctx, job.ConversationID, researchFilePointer(path))
			}
		}
	}

	verdict := state.ObserveTools(
		ToolSignature(calls[0]),
		hashOutcomes(outcomes),
		firstLine(outcomes[0].result, 300),
	)
	if verdict.HardStop {
		a.activities.EmitError(ctx, job.ID, ActivityLoopHardStop, verdict.Reason)
		res := a.finishError(ctx, job, 0, fmt.Errorf("%s", verdict.Reason))
		return &res
	}
	if verdict.InjectRecovery {
		a.activities.Emit(ctx, job.ID, ActivityLoopRecovery, "injecting recovery prompt")
		a.persistInternalUser(ctx, job.ConversationID, recoveryPrompt(calls[0].Name, verdict.ResultPreview))
	}
	if verdict.InjectForceProgress {
		a.activities.Emit(ctx, job.ID, ActivityLoopWarning, "identical results, forcing progress")
		a.persistInternalUser(ctx, job.ConversationID, forceProgressPrompt)
	}
	return nil
}

// persistToolExchange stores the assistant turn and its tool results as
// internal messages, keeping the pairing intact.
func (a *Agent) persistToolExchange(ctx context.Context, job Job, resp ChatResponse, calls []ToolCall, outcomes []toolOutcome) {
	a.persistMessage(ctx, Message{
		ConversationID:    job.ConversationID,
		Role:              "assistant",
		Content:           resp.Content,
		ToolCalls:         calls,
		Thinking:          resp.Thinking,
		ThinkingSignature: resp.ThinkingSignature,
		Internal:          true,
	})
	for _, out := range outcomes {
		a.persistMessage(ctx, Message{
			ConversationID: job.ConversationID,
			Role:           "tool",
			Content:        out.result,
			ToolCallID:     out.call.ID,
			Internal:       true,
		})
	}
}

func (a *Agent) persistInternalUser(ctx context.Context, conversationID, content string) {
	a.persistMessage(ctx, Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
		Internal:       true,
	})
}

func (a *Agent) persistMessage(ctx context.Context, m Message) {
	m.CreatedAt = NowUnix()
	if _, err := a.store.AppendMessage(ctx, m); err != nil {
		a.log.Error("message persist failed", "conversation", m.ConversationID, "role", m.Role, "error", err)
	}
}

func (a *Agent) emitReasoningActivities(ctx context.Context, jobID, visible, thinking string, depth, step int) {
	if thinking != "" {
		a.activities.Emit(ctx, jobID, ActivityThinking, firstLine(thinking, 300))
	}
	if strings.Contains(visible, planMarker) {
		a.activities.Emit(ctx, jobID, ActivityPlanning, "plan produced")
	}
	if depth > DepthSimple && step > 1 && step%a.reflectionInterval == 0 {
		a.activities.Emit(ctx, jobID, ActivityReflection, "reflection step")
	}
}

func (a *Agent) finishSuccess(ctx context.Context, job Job, summary string, steps int, usagePercent float64) AgentResult {
	a.persistMessage(ctx, Message{
		ConversationID: job.ConversationID,
		Role:           "assistant",
		Content:        summary,
	})
	a.activities.Emit(ctx, job.ID, ActivityComplete, firstLine(summary, 200))
	return AgentResult{
		Status:              RunSuccess,
		Summary:             summary,
		Steps:               steps,
		ContextUsagePercent: usagePercent,
	}
}

func (a *Agent) finishCancelled(ctx context.Context, job Job, steps int) AgentResult {
	a.activities.Emit(ctx, job.ID, ActivityCancelled, "job cancelled")
	return AgentResult{Status: RunCancelled, Steps: steps}
}

func (a *Agent) finishError(ctx context.Context, job Job, steps int, err error) AgentResult {
	a.activities.EmitError(ctx, job.ID, ActivityError, err.Error())
	return AgentResult{Status: RunError, Steps: steps, Error: err.Error()}
}

// generateSuggestions asks the cheap model for follow-up questions in the
// background. Failures are silent; the feature is cosmetic.
func (a *Agent) generateSuggestions(ctx context.Context, job Job, cancelled func() bool) {
	if cancelled() {
		return
	}
	resp, err := a.cheap.Chat(ctx, []ChatMessage{
		UserMessage(suggestionsPrompt + "\n\nUser request: " + job.Message),
	}, ChatOptions{
		Component:      "suggestions",
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		MaxTokens:      256,
		CancelCheck:    cancelled,
	})
	if err != nil {
		return
	}
	var parsed struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return
	}
	a.queue.SetSuggestions(job.ID, parsed.Suggestions)
}

// emitProgressSteps publishes a handful of reassurance activities spaced by
// random delays while the real work runs.
func (a *Agent) emitProgressSteps(ctx context.Context, jobID string, cancelled func() bool) {
	labels := []string{
		"understanding the request",
		"gathering context",
		"working through the steps",
		"checking intermediate results",
		"wrapping up",
	}
	n := 3 + rand.Intn(3)
	for i := 0; i < n && i < len(labels); i++ {
		delay := time.Duration(3000+rand.Intn(2000)) * time.Millisecond
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if cancelled() {
			return
		}
		a.activities.Emit(ctx, jobID, ActivityProgressStep, labels[i])
	}
}

// --- response parsing helpers ---

var (
	thinkingTagRe  = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)
	internalMarkup = regexp.MustCompile(`(?s)<(thinking|plan|reflection)>.*?</(thinking|plan|reflection)>`)
)

const toolNamesOfSize = 5

// splitThinking separates inline <thinking> blocks from the user-visible
// remainder.
func splitThinking(content string) (visible, thinking string) {
	matches := thinkingTagRe.FindAllStringSubmatch(content, -1)
	for _, m := range matches {
		if thinking != "" {
			thinking += "\n"
		}
		thinking += strings.TrimSpace(m[1])
	}
	visible = strings.TrimSpace(thinkingTagRe.ReplaceAllString(content, ""))
	return visible, thinking
}

// stripInternalMarkup removes thinking, plan, and reflection blocks from a
// final answer.
func stripInternalMarkup(s string) string {
	return strings.TrimSpace(internalMarkup.ReplaceAllString(s, ""))
}

// historyLoopDetected reports whether the last three assistant messages with
// tool calls all share one signature.
func historyLoopDetected(msgs []ChatMessage) bool {
	var sigs []string
	for i := len(msgs) - 1; i >= 0 && len(sigs) < loopSoftThreshold; i-- {
		m := msgs[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		var parts []string
		for _, tc := range m.ToolCalls {
			parts = append(parts, ToolSignature(tc))
		}
		sigs = append(sigs, strings.Join(parts, "|"))
	}
	if len(sigs) < loopSoftThreshold {
		return false
	}
	for _, s := range sigs[1:] {
		if s != sigs[0] {
			return false
		}
	}
	return true
}

func toolNamesOf(calls []ToolCall) string {
	names := make([]string, 0, len(calls))
	for i, tc := range calls {
		if i >= toolNamesOfSize {
			names = append(names, "...")
			break
		}
		names = append(names, tc.Name)
	}
	return strings.Join(names, ", ")
}

func hashOutcomes(outcomes []toolOutcome) string {
	h := md5.New()
	for _, o := range outcomes {
		h.Write([]byte(o.result))
	}
	return hex.EncodeToString(h.Sum(nil))
}
