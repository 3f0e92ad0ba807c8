package famulus

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken has no mapping for.
const fallbackEncoding = "cl100k_base"

// TokenCounter estimates token counts with tiktoken, caching encodings per
// model. When no encoding can be resolved it falls back to the chars/4
// heuristic, which is close enough for compression-threshold decisions.
type TokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}

// Count returns the token count of text for model.
func (c *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessages sums tokens across message content, thinking, and
// serialized tool calls, plus a small per-message framing overhead.
func (c *TokenCounter) CountMessages(model string, msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += 4 // role and framing
		total += c.Count(model, m.Content)
		total += c.Count(model, m.Thinking)
		for _, tc := range m.ToolCalls {
			total += c.Count(model, tc.Name)
			total += c.Count(model, string(tc.Args))
		}
	}
	return total
}
