package llm

import (
	"fmt"
	"strings"
)

// New builds a provider from its configured name. OpenAI-compatible
// services share one implementation and differ only by base URL.
func New(name string, config Config) (Provider, error) {
	if config.ProviderName == "" {
		config.ProviderName = name
	}

	switch strings.ToLower(name) {
	case "openai", "deepseek", "poe":
		return NewOpenAIProvider(config)
	case "claude", "anthropic":
		return NewClaudeProvider(config)
	case "gemini", "google":
		return NewGeminiProvider(config)
	case "dummy":
		return NewDummyProvider(config), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}
