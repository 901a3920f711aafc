package llm

import "fmt"

// Config is the subset of internal/config.Config needed to build a Client.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	AnthropicKey string
	OpenAIKey    string
}

// New builds the Client selected by cfg.Provider (spec.md section 6.7
// LLM_PROVIDER). An unknown or empty provider yields an error; callers
// without any configured provider should use the stub planner instead of
// calling New at all.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("llm: ANTHROPIC_API_KEY is required for provider %q", ProviderAnthropic)
		}
		return NewAnthropicClient(cfg.AnthropicKey, cfg.Model), nil
	case ProviderOpenAI:
		return NewOpenAICompatibleClient(cfg.OpenAIKey, cfg.Model, cfg.BaseURL), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.Model, cfg.BaseURL), nil
	case "":
		return nil, fmt.Errorf("llm: no provider configured")
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
