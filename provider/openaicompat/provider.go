package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mwalkowiak/famulus"
)

// Provider implements famulus.Provider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, DeepSeek, Mistral, Ollama, vLLM,
// LM Studio, and any other endpoint that implements the OpenAI chat
// completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and usage records.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *Provider) Model() string { return p.model }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req famulus.ChatRequest) (famulus.ChatResponse, error) {
	body := BuildBody(req, p.model)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return famulus.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return famulus.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return famulus.ChatResponse{}, &famulus.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// ChatStream streams delta events into ch, then returns the final accumulated
// response. The channel is closed when streaming completes (via StreamSSE) or
// on error.
func (p *Provider) ChatStream(ctx context.Context, req famulus.ChatRequest, ch chan<- famulus.StreamEvent) (famulus.ChatResponse, error) {
	body := BuildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return famulus.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return famulus.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &famulus.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &famulus.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body and classifies the failure. A 400 caused by
// thinking-block placement maps to ErrThinkingOrder so the client can retry
// with thinking stripped; everything else becomes ErrHTTP for the retry layer.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest && isThinkingOrderError(string(body)) {
		return &famulus.ErrThinkingOrder{Detail: string(body)}
	}
	return &famulus.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: famulus.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// isThinkingOrderError matches the provider messages seen for mispositioned
// thinking blocks.
func isThinkingOrderError(body string) bool {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "thinking") && !strings.Contains(lower, "reasoning") {
		return false
	}
	return strings.Contains(lower, "order") ||
		strings.Contains(lower, "must precede") ||
		strings.Contains(lower, "first block") ||
		strings.Contains(lower, "unexpected")
}

// Compile-time interface check.
var _ famulus.Provider = (*Provider)(nil)
