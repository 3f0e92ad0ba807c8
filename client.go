package famulus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// toolArgReserve is the output budget kept free for tool-call arguments
	// when extended thinking is enabled, so arguments never get truncated by
	// the reasoning allocation.
	toolArgReserve = 16384

	// cancelLatency is how quickly an in-flight streaming call must be
	// abandoned after the cancellation flag flips.
	cancelLatency = 200 * time.Millisecond
)

// ChatOptions carries the per-call knobs of Client.Chat.
type ChatOptions struct {
	Tools          []ToolDefinition
	ToolChoice     string // auto | none | required | <tool_name>
	ThinkingBudget int    // reasoning tokens; 0 disables extended thinking
	MaxTokens      int    // output cap; 0 = per-model default

	// Accounting dimensions.
	Component      string
	JobID          string
	ConversationID string

	// CancelCheck, when set, switches the call to streaming mode so it can
	// be abandoned promptly on cancellation.
	CancelCheck func() bool

	// OnEvent receives streaming deltas when CancelCheck forces streaming.
	OnEvent func(StreamEvent)
}

// CostFunc maps a model and its token usage to a USD cost.
type CostFunc func(model string, u Usage) float64

// Client wraps a Provider with retry, cooperative cancellation, thinking
// budget management, truncation detection, and usage accounting. All agent
// components call LLMs through a Client, never a raw Provider.
type Client struct {
	provider Provider
	logger   *slog.Logger
	usage    *UsageTracker
	cost     CostFunc

	maxAttempts int
	baseDelay   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the structured logger (default: discard).
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithUsageTracker sets the tracker that records per-call usage rows.
func WithUsageTracker(t *UsageTracker) ClientOption {
	return func(c *Client) { c.usage = t }
}

// WithCostFunc sets the per-model pricing function (default: zero cost).
func WithCostFunc(f CostFunc) ClientOption {
	return func(c *Client) { c.cost = f }
}

// WithRetryPolicy overrides the transient-error retry policy.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:    p,
		logger:      nopLogger,
		cost:        func(string, Usage) float64 { return 0 },
		maxAttempts: retryMaxAttempts,
		baseDelay:   retryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the underlying provider's model identifier.
func (c *Client) Model() string { return c.provider.Model() }

// Chat performs one LLM call. Rate-limit errors retry with backoff; the
// backoff sleep and any in-flight stream are interruptible by
// opts.CancelCheck, which surfaces as ErrJobCancelled. Thinking-block-order
// rejections retry once with thinking stripped from history.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResponse, error) {
	if opts.CancelCheck != nil && opts.CancelCheck() {
		return ChatResponse{}, ErrJobCancelled
	}

	req := ChatRequest{
		Messages:       messages,
		Tools:          opts.Tools,
		ToolChoice:     opts.ToolChoice,
		ThinkingBudget: opts.ThinkingBudget,
		MaxTokens:      opts.MaxTokens,
	}
	if opts.ThinkingBudget > 0 {
		if req.MaxTokens < opts.ThinkingBudget+toolArgReserve {
			req.MaxTokens = opts.ThinkingBudget + toolArgReserve
		}
	} else {
		// Providers reject thinking blocks once thinking is disabled.
		req.Messages = StripThinking(req.Messages)
	}

	start := time.Now()
	resp, err := retryCall(ctx, c.maxAttempts, c.baseDelay, c.provider.Name(), c.logger, opts.CancelCheck, func() (ChatResponse, error) {
		return c.call(ctx, req, opts)
	})
	if err != nil {
		var orderErr *ErrThinkingOrder
		if errors.As(err, &orderErr) {
			c.logger.Warn("thinking order rejected, retrying with stripped history", "detail", orderErr.Detail)
			req.Messages = StripThinking(req.Messages)
			resp, err = c.call(ctx, req, opts)
		}
	}
	if err != nil {
		return ChatResponse{}, err
	}

	resp.Truncated = resp.StopReason == StopMaxTokens
	if resp.Truncated {
		c.logger.Warn("response truncated at max tokens",
			"model", c.provider.Model(), "component", opts.Component)
	}

	c.logger.Debug("llm call",
		"provider", c.provider.Name(),
		"model", c.provider.Model(),
		"component", opts.Component,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))

	if c.usage != nil {
		c.usage.Record(ctx, UsageRecord{
			ID:               NewID(),
			JobID:            opts.JobID,
			ConversationID:   opts.ConversationID,
			Model:            c.provider.Model(),
			Provider:         c.provider.Name(),
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostUSD:          c.cost(c.provider.Model(), resp.Usage),
			Component:        opts.Component,
			CreatedAt:        NowUnix(),
		})
	}
	return resp, nil
}

// call performs one provider attempt, streaming when a cancellation check is
// supplied so the request can be abandoned within cancelLatency.
func (c *Client) call(ctx context.Context, req ChatRequest, opts ChatOptions) (ChatResponse, error) {
	if opts.CancelCheck == nil {
		return c.provider.Chat(ctx, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan StreamEvent, 64)
	type result struct {
		resp ChatResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.provider.ChatStream(streamCtx, req, ch)
		done <- result{resp, err}
	}()

	ticker := time.NewTicker(cancelLatency / 2)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if ok && opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
			if !ok {
				// Channel closed; wait for the final response.
				r := <-done
				return r.resp, r.err
			}
		case r := <-done:
			// Drain remaining events before returning.
			for ev := range ch {
				if opts.OnEvent != nil {
					opts.OnEvent(ev)
				}
			}
			return r.resp, r.err
		case <-ticker.C:
			if opts.CancelCheck() {
				cancel()
				go func() {
					for range ch {
					}
					<-done
				}()
				return ChatResponse{}, ErrJobCancelled
			}
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
}

// StripThinking returns a copy of messages with all thinking blocks removed.
func StripThinking(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		out[i].Thinking = ""
		out[i].ThinkingSignature = ""
	}
	return out
}
