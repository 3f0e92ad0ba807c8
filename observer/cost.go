package observer

import "github.com/mwalkowiak/famulus"

// ModelPricing holds per-million-token pricing for a model. Cache rates are
// expressed relative to nothing: they are absolute per-million prices for
// cache reads and cache writes when the provider reports them.
type ModelPricing struct {
	InputPerMillion      float64
	OutputPerMillion     float64
	CacheReadPerMillion  float64
	CacheWritePerMillion float64
}

// DefaultPricing contains sensible defaults for common models.
// Users can override or extend via [observer.pricing] in the config file.
var DefaultPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00, CacheReadPerMillion: 1.25},
	"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60, CacheReadPerMillion: 0.075},
	"gpt-4.1":      {InputPerMillion: 2.00, OutputPerMillion: 8.00, CacheReadPerMillion: 0.50},
	"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60, CacheReadPerMillion: 0.10},
	"gpt-4.1-nano": {InputPerMillion: 0.10, OutputPerMillion: 0.40, CacheReadPerMillion: 0.025},
	"o3-mini":      {InputPerMillion: 1.10, OutputPerMillion: 4.40, CacheReadPerMillion: 0.55},

	// Anthropic
	"claude-sonnet-4-5": {InputPerMillion: 3.00, OutputPerMillion: 15.00, CacheReadPerMillion: 0.30, CacheWritePerMillion: 3.75},
	"claude-haiku-3-5":  {InputPerMillion: 0.80, OutputPerMillion: 4.00, CacheReadPerMillion: 0.08, CacheWritePerMillion: 1.00},

	// DeepSeek
	"deepseek-chat":     {InputPerMillion: 0.27, OutputPerMillion: 1.10, CacheReadPerMillion: 0.07},
	"deepseek-reasoner": {InputPerMillion: 0.55, OutputPerMillion: 2.19, CacheReadPerMillion: 0.14},

	// Local models are free.
	"ollama": {},
}

// CostCalculator computes USD cost from token counts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally
// merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for one call. Cached prompt tokens are
// billed at the cache-read rate instead of the input rate when the model has
// one. Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, usage famulus.Usage) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0.0
	}
	freshInput := usage.PromptTokens - usage.CacheReadTokens
	if freshInput < 0 {
		freshInput = 0
	}
	cost := float64(freshInput)/1_000_000*p.InputPerMillion +
		float64(usage.CompletionTokens)/1_000_000*p.OutputPerMillion
	if p.CacheReadPerMillion > 0 {
		cost += float64(usage.CacheReadTokens) / 1_000_000 * p.CacheReadPerMillion
	}
	if p.CacheWritePerMillion > 0 {
		cost += float64(usage.CacheCreationTokens) / 1_000_000 * p.CacheWritePerMillion
	}
	return cost
}

// CostFunc adapts the calculator to the famulus.CostFunc signature.
func (c *CostCalculator) CostFunc() famulus.CostFunc {
	return func(model string, usage famulus.Usage) float64 {
		return c.Calculate(model, usage)
	}
}
