package famulus

import "context"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventThinkingDelta carries an incremental reasoning chunk.
	EventThinkingDelta StreamEventType = "thinking-delta"
	// EventToolCallStart signals the model began emitting a tool call.
	EventToolCallStart StreamEventType = "tool-call-start"
)

// StreamEvent is a typed event emitted while a provider response streams in.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response
	// with usage stats. ch is closed before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
	// Model returns the configured model identifier.
	Model() string
}
