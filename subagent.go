package famulus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const (
	delegateMaxSteps = 10
	exploreMaxSteps  = 15

	// Sub-agent outcome statuses.
	SubAgentSuccess = "success"
	SubAgentError   = "error"
	SubAgentTimeout = "timeout"
)

// exploreTools is the read-only subset an ExploreExecutor may use.
var exploreTools = map[string]bool{
	"read_file":        true,
	"list_directory":   true,
	"search_text":      true,
	"recall_from_chat": true,
}

// SubAgentResult is what a bounded sub-agent run returns to the parent loop.
type SubAgentResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
	Steps  int    `json:"steps"`
	Error  string `json:"error,omitempty"`
}

// SubAgentExecutor runs a bounded tool-calling loop on the cheap model. It
// shares the parent's tool registry (filtered), cancellation check, and
// usage accounting, but persists nothing to the parent conversation and
// carries no loop detection: the step bound is the safety mechanism.
type SubAgentExecutor struct {
	client     *Client
	registry   *Registry
	activities *ActivityLog
	log        *slog.Logger

	kind         string // "delegate" or "explore"
	maxSteps     int
	systemPrompt string
	allowTool    func(name string) bool
}

// NewDelegateExecutor builds the executor behind the delegate_task tool. The
// delegate tool itself is excluded so delegates cannot recurse.
func NewDelegateExecutor(client *Client, registry *Registry, activities *ActivityLog, log *slog.Logger) *SubAgentExecutor {
	if log == nil {
		log = nopLogger
	}
	return &SubAgentExecutor{
		client:       client,
		registry:     registry,
		activities:   activities,
		log:          log,
		kind:         "delegate",
		maxSteps:     delegateMaxSteps,
		systemPrompt: delegatePrompt,
		allowTool: func(name string) bool {
			return name != "delegate_task" && name != "ask_user"
		},
	}
}

// NewExploreExecutor builds the read-only exploration executor.
func NewExploreExecutor(client *Client, registry *Registry, activities *ActivityLog, log *slog.Logger) *SubAgentExecutor {
	if log == nil {
		log = nopLogger
	}
	return &SubAgentExecutor{
		client:       client,
		registry:     registry,
		activities:   activities,
		log:          log,
		kind:         "explore",
		maxSteps:     exploreMaxSteps,
		systemPrompt: explorePrompt,
		allowTool:    func(name string) bool { return exploreTools[name] },
	}
}

// Run executes the task to completion or bound. Cancellation is observed
// between every LLM call and every tool call through cancelled.
func (e *SubAgentExecutor) Run(ctx context.Context, task, jobID, conversationID string, cancelled func() bool) SubAgentResult {
	e.emit(ctx, jobID, e.kind+"_start", firstLine(task, 200))

	tools := e.filteredTools()
	msgs := []ChatMessage{
		SystemMessage(e.systemPrompt),
		UserMessage(task),
	}

	for step := 1; step <= e.maxSteps; step++ {
		if cancelled != nil && cancelled() {
			return SubAgentResult{Status: SubAgentError, Steps: step - 1, Error: ErrJobCancelled.Error()}
		}
		e.emit(ctx, jobID, e.kind+"_step", fmt.Sprintf("step %d/%d", step, e.maxSteps))

		resp, err := e.client.Chat(ctx, msgs, ChatOptions{
			Tools:          tools,
			ToolChoice:     ToolChoiceAuto,
			Component:      e.kind,
			JobID:          jobID,
			ConversationID: conversationID,
			CancelCheck:    cancelled,
		})
		if err != nil {
			if err == ErrJobCancelled {
				return SubAgentResult{Status: SubAgentError, Steps: step, Error: err.Error()}
			}
			return SubAgentResult{Status: SubAgentError, Steps: step, Error: err.Error()}
		}

		if len(resp.ToolCalls) == 0 {
			out := strings.TrimSpace(resp.Content)
			e.emit(ctx, jobID, e.kind+"_end", firstLine(out, 200))
			return SubAgentResult{Status: SubAgentSuccess, Output: out, Steps: step}
		}

		assistant := ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)
		for _, tc := range resp.ToolCalls {
			if cancelled != nil && cancelled() {
				return SubAgentResult{Status: SubAgentError, Steps: step, Error: ErrJobCancelled.Error()}
			}
			msgs = append(msgs, ToolResultMessage(tc.ID, e.callTool(ctx, tc)))
		}
	}

	e.emit(ctx, jobID, e.kind+"_end", "step bound reached")
	return SubAgentResult{Status: SubAgentTimeout, Steps: e.maxSteps, Error: "step bound reached without a final answer"}
}

func (e *SubAgentExecutor) callTool(ctx context.Context, tc ToolCall) string {
	if !e.allowTool(tc.Name) {
		return fmt.Sprintf("tool %s is not available in %s mode", tc.Name, e.kind)
	}
	result, err := e.registry.Call(ctx, tc.Name, tc.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	return serializeToolResult(result)
}

func (e *SubAgentExecutor) filteredTools() []ToolDefinition {
	all := e.registry.Definitions()
	out := make([]ToolDefinition, 0, len(all))
	for _, d := range all {
		if e.allowTool(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (e *SubAgentExecutor) emit(ctx context.Context, jobID, typ, msg string) {
	if e.activities != nil && jobID != "" {
		e.activities.Emit(ctx, jobID, typ, msg)
	}
}

// serializeToolResult renders a handler's return value for the model:
// strings pass through, everything else is JSON.
func serializeToolResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
