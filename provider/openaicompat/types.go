// Package openaicompat provides request building, response parsing, and SSE
// streaming for OpenAI-compatible chat completion APIs.
package openaicompat

import "encoding/json"

// --- Request types ---

// ChatRequest is the OpenAI chat completions request body.
type ChatRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Tools      []Tool    `json:"tools,omitempty"`
	ToolChoice any       `json:"tool_choice,omitempty"`
	MaxTokens  int       `json:"max_tokens,omitempty"`
	Stream     bool      `json:"stream,omitempty"`
	// Reasoning requests extended thinking on providers that support it
	// (OpenRouter-style extension; ignored elsewhere).
	Reasoning *Reasoning `json:"reasoning,omitempty"`
	// When streaming, request usage in the final chunk.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// Reasoning carries the thinking token budget.
type Reasoning struct {
	MaxTokens int `json:"max_tokens"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is a single message in the OpenAI chat format.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	// ReasoningContent carries thinking text (DeepSeek-style extension).
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Tool wraps a function definition in the OpenAI tool format.
type Tool struct {
	Type     string   `json:"type"` // always "function"
	Function Function `json:"function"`
}

// Function describes a callable function for tool use.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallRequest represents a tool call in an API response or request.
// During streaming, Index indicates which tool call is being updated.
type ToolCallRequest struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and arguments (as a JSON string).
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- Response types ---

// ChatResponse is the OpenAI chat completions response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	Delta        *ChoiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the message content within a choice (used for both
// message and delta).
type ChoiceMessage struct {
	Role             string            `json:"role,omitempty"`
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallRequest `json:"tool_calls,omitempty"`
	Refusal          string            `json:"refusal,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// PromptTokensDetails breaks out cached prompt tokens.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensDetails breaks out reasoning tokens.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}
