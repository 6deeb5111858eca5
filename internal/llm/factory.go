package llm

import (
	"fmt"

	"atlas/internal/config"
)

// NewClientFromConfig creates a client for the active provider in cfg.
// Provider selection honors cfg.DefaultProvider and falls back to the first
// provider with an API key (missing keys disable a provider).
func NewClientFromConfig(cfg *config.Config) (Client, error) {
	name, pc, err := cfg.ActiveProvider()
	if err != nil {
		return nil, err
	}
	return NewClientForProvider(name, pc)
}

// NewClientForProvider creates a client for a specific provider entry.
// OpenAI, Groq, and Mistral share the OpenAI-compatible wire format and
// differ only in base URL and model.
func NewClientForProvider(name string, pc config.ProviderConfig) (Client, error) {
	switch name {
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKeys: pc.APIKeys,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.TimeoutDuration(),
		}), nil

	case "gemini":
		key := ""
		if len(pc.APIKeys) > 0 {
			key = pc.APIKeys[0]
		}
		return NewGeminiClient(key, pc.Model)

	case "openai", "groq", "mistral":
		return NewOpenAIClient(OpenAIConfig{
			APIKeys: pc.APIKeys,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.TimeoutDuration(),
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}
