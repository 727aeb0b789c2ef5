package providers

import (
	"fmt"
	"os"
	"time"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/config"
)

// defaultKeyEnv maps provider names to the conventional API key variable,
// used when the config sets neither api_key nor api_key_env.
var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// New builds a provider by name from its config section. The API key is
// taken from the config value, then the configured env var, then the
// provider's conventional env var.
func New(name string, cfg config.LLMProviderConfig, defaultModel string) (agent.LLMProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		envVar := cfg.APIKeyEnv
		if envVar == "" {
			envVar = defaultKeyEnv[name]
		}
		if envVar != "" {
			apiKey = os.Getenv(envVar)
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: no API key configured", name)
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultModel
	}

	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   time.Second,
			DefaultModel: model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   time.Second,
			DefaultModel: model,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}
