package famulus

import "encoding/json"

// --- Domain types (database records) ---

// Conversation is an ordered thread of messages between the user and the agent.
// Conversations are created on the first user message or by the Scheduler.
type Conversation struct {
	ID                 string `json:"id"`
	CreatedAt          int64  `json:"created_at"`
	Preview            string `json:"preview,omitempty"`
	ForkedFrom         string `json:"forked_from,omitempty"`
	BranchNumber       int    `json:"branch_number,omitempty"`
	IsArchived         bool   `json:"is_archived"`
	SchedulerID        string `json:"scheduler_id,omitempty"`
	IsSchedulerRun     bool   `json:"is_scheduler_run"`
	ReadAt             int64  `json:"read_at,omitempty"`
	Summary            string `json:"summary,omitempty"`
	SummaryUpToMessage int64  `json:"summary_up_to_message_id,omitempty"`
}

// Message is a single turn stored in a conversation. IDs are monotonic
// integers assigned by the store, so ordering within a conversation follows
// insertion order. Internal messages are intermediate agent turns excluded
// from user-visible listings but preserved for replay.
type Message struct {
	ID                int64           `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	Role              string          `json:"role"` // "system", "user", "assistant", "tool"
	Content           string          `json:"content,omitempty"`
	ToolCalls         []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID        string          `json:"tool_call_id,omitempty"`
	Thinking          string          `json:"thinking,omitempty"`
	ThinkingSignature string          `json:"thinking_signature,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Internal          bool            `json:"internal"`
	CreatedAt         int64           `json:"created_at"`
}

// Job statuses. Transitions: pending -> running -> terminal, with
// waiting_for_input <-> running for the ask-user pause.
const (
	JobPending         = "pending"
	JobRunning         = "running"
	JobWaitingForInput = "waiting_for_input"
	JobCompleted       = "completed"
	JobFailed          = "failed"
	JobCancelled       = "cancelled"
)

// IsTerminalStatus reports whether status is one of the three terminal states.
func IsTerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}

// Job is one unit of agent execution servicing a single user turn or a
// scheduled fire. IsCancelled and IsForceRespond are cooperative flags
// polled by the agent loop.
type Job struct {
	ID              string   `json:"id"`
	ConversationID  string   `json:"conversation_id"`
	Message         string   `json:"message"`
	Status          string   `json:"status"`
	CreatedAt       int64    `json:"created_at"`
	StartedAt       int64    `json:"started_at,omitempty"`
	CompletedAt     int64    `json:"completed_at,omitempty"`
	Result          string   `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
	WorkerID        string   `json:"worker_id,omitempty"`
	Question        string   `json:"question,omitempty"`
	QuestionOptions []string `json:"question_options,omitempty"`
	UserResponse    string   `json:"user_response,omitempty"`
	IsCancelled     bool     `json:"is_cancelled"`
	IsForceRespond  bool     `json:"is_force_respond"`
	SkipHistory     bool     `json:"skip_history"`
	Headless        bool     `json:"headless"`
	AskUserDefault  string   `json:"ask_user_default,omitempty"`
}

// Activity types emitted during job execution. The set is an open enum:
// consumers must tolerate unknown types.
const (
	ActivityRouting        = "routing"
	ActivityStep           = "step"
	ActivityThinking       = "thinking"
	ActivityThinkingStream = "thinking_stream"
	ActivityPlanning       = "planning"
	ActivityReflection     = "reflection"
	ActivityLLMCall        = "llm_call"
	ActivityLLMResponse    = "llm_response"
	ActivityToolCall       = "tool_call"
	ActivityToolResult     = "tool_result"
	ActivityDelegateStart  = "delegate_start"
	ActivityDelegateStep   = "delegate_step"
	ActivityDelegateEnd    = "delegate_end"
	ActivityExploreStart   = "explore_start"
	ActivityExploreStep    = "explore_step"
	ActivityExploreEnd     = "explore_end"
	ActivityWarning        = "warning"
	ActivityError          = "error"
	ActivityLoopDetected   = "loop_detected"
	ActivityLoopRecovery   = "loop_recovery"
	ActivityLoopWarning    = "loop_warning"
	ActivityLoopHardStop   = "loop_hard_stop"
	ActivityToolLimit      = "tool_limit"
	ActivityDuplicateTool  = "duplicate_tool"
	ActivityResearchMode   = "research_mode"
	ActivityCancelled      = "cancelled"
	ActivityComplete       = "complete"
	ActivityTimeout        = "timeout"
	ActivityProgressStep   = "progress_step"
)

// JobActivity is an append-only event row emitted during job execution for
// UI consumption. Consumers poll incrementally via id > since_id.
type JobActivity struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	IsError   bool   `json:"is_error"`
}

// ScheduledJob is a CRON-triggered prompt. NextRunAt is recomputed on
// create, on cron update, and after each fire.
type ScheduledJob struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversation_id"`
	Name                string `json:"name"`
	Prompt              string `json:"prompt"`
	CronExpression      string `json:"cron_expression"`
	ScheduleDescription string `json:"schedule_description,omitempty"`
	Timezone            string `json:"timezone"`
	IsEnabled           bool   `json:"is_enabled"`
	CreatedAt           int64  `json:"created_at"`
	UpdatedAt           int64  `json:"updated_at"`
	LastRunAt           int64  `json:"last_run_at,omitempty"`
	NextRunAt           int64  `json:"next_run_at,omitempty"`
	RunCount            int    `json:"run_count"`
	ContextJSON         string `json:"context_json,omitempty"`
	FilesDir            string `json:"files_dir,omitempty"`
}

// ScheduledContext is the optional structured appendix attached to a
// scheduled job's prompt: enumerated steps and variables.
type ScheduledContext struct {
	Steps     []string          `json:"steps,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ScheduledJobRun records one fire of a ScheduledJob.
type ScheduledJobRun struct {
	ID             int64  `json:"id"`
	ScheduledJobID string `json:"scheduled_job_id"`
	JobID          string `json:"job_id"`
	StartedAt      int64  `json:"started_at"`
	CompletedAt    int64  `json:"completed_at,omitempty"`
	Status         string `json:"status"`
	ResultPreview  string `json:"result_preview,omitempty"`
}

// UsageRecord is an append-only per-LLM-call accounting row.
type UsageRecord struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id,omitempty"`
	ConversationID   string  `json:"conversation_id,omitempty"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Component        string  `json:"component"`
	CreatedAt        int64   `json:"created_at"`
}

// CustomSkill is a user-defined skill stored in the database, merged with
// filesystem skills by the SkillLoader.
type CustomSkill struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// --- LLM protocol types ---

// ChatMessage is the provider-neutral message form passed to LLM calls.
type ChatMessage struct {
	Role              string     `json:"role"` // "system", "user", "assistant", "tool"
	Content           string     `json:"content"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID        string     `json:"tool_call_id,omitempty"`
	Thinking          string     `json:"thinking,omitempty"`
	ThinkingSignature string     `json:"thinking_signature,omitempty"`
}

// ToolCall is an LLM-issued request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Tool-choice values accepted by ChatRequest. Any other value is treated as
// the name of the single tool the model must call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// ChatRequest is the provider-neutral chat call input.
type ChatRequest struct {
	Messages       []ChatMessage    `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ToolChoice     string           `json:"tool_choice,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"` // reasoning tokens; 0 = disabled
	MaxTokens      int              `json:"max_tokens,omitempty"`      // output cap; 0 = provider default
}

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ChatResponse is the provider-neutral chat call output.
type ChatResponse struct {
	Content           string     `json:"content"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	Thinking          string     `json:"thinking,omitempty"`
	ThinkingSignature string     `json:"thinking_signature,omitempty"`
	Usage             Usage      `json:"usage"`
	StopReason        string     `json:"stop_reason,omitempty"`
	Truncated         bool       `json:"truncated"`
}

// Usage holds token counts reported by the provider for one call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheCreationTokens += u2.CacheCreationTokens
	u.ReasoningTokens += u2.ReasoningTokens
}

// ToolDefinition is the provider-neutral function-calling descriptor.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
