// Package resolve creates famulus.Provider instances from provider-agnostic
// configuration, filling in known base URLs so callers only name a provider.
package resolve

import (
	"fmt"

	"github.com/mwalkowiak/famulus"
	"github.com/mwalkowiak/famulus/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "mistral", "ollama", "lmstudio"
	APIKey   string
	Model    string
	BaseURL  string // overrides the default base URL for the provider
}

// Provider creates a famulus.Provider from a provider-agnostic Config.
// Every supported backend speaks the OpenAI chat completions API.
func Provider(cfg Config) (famulus.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL given", cfg.Provider)
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL,
		openaicompat.WithName(cfg.Provider)), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "lmstudio":
		return "http://localhost:1234/v1"
	default:
		return ""
	}
}
