package provider

import (
	"fmt"

	"github.com/samsaffron/llmchat/internal/llm"
)

// NewClient creates an SDK-backed client for a provider's model, wrapped with
// automatic retry for rate limits and transient errors.
func NewClient(p Provider, m Model) (llm.Provider, error) {
	var client llm.Provider
	switch p.Type {
	case "openai", "openai-compat":
		client = llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    p.Name,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   m.ID,
		})
	case LlamaCpp:
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = ServerURL(p.Server) + "/v1"
		}
		client = llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    p.Name,
			APIKey:  p.APIKey,
			BaseURL: baseURL,
			Model:   m.ID,
			Compat:  true,
		})
	case "anthropic":
		client = llm.NewAnthropicProvider(p.APIKey, p.BaseURL, m.ID)
	case "gemini":
		client = llm.NewGeminiProvider(p.APIKey, m.ID)
	default:
		return nil, fmt.Errorf("unsupported provider type %q for %s", p.Type, p.Name)
	}
	return llm.WrapWithRetry(client, llm.DefaultRetryConfig()), nil
}
