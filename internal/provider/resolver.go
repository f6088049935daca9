package provider

import (
	"fmt"
	"strings"

	"github.com/KafClaw/KafMesh/internal/config"
)

// ProviderError reports a provider that cannot be built from config.
type ProviderError struct {
	Provider string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// Only known provider prefixes are split; "vendor/model" OpenRouter names stay whole.
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	switch id := strings.ToLower(parts[0]); id {
	case "openai", "anthropic":
		return id, parts[1]
	}
	return "", s
}

// Resolve creates the oracle backend selected by model.provider.
// A "provider/model" prefix in model.name takes precedence.
func Resolve(cfg *config.Config) (LLMProvider, error) {
	provID, model := ParseModelString(cfg.Model.Name)
	if provID == "" {
		provID = strings.ToLower(strings.TrimSpace(cfg.Model.Provider))
	}
	switch provID {
	case "anthropic":
		key := cfg.Providers.Anthropic.APIKey
		if key == "" {
			return nil, &ProviderError{Provider: "anthropic", Hint: "set providers.anthropic.apiKey in config or ANTHROPIC_API_KEY"}
		}
		return NewAnthropicProvider(key, cfg.Providers.Anthropic.APIBase, model), nil
	case "openai", "":
		key := cfg.Providers.OpenAI.APIKey
		if key == "" {
			return nil, &ProviderError{Provider: "openai", Hint: "set providers.openai.apiKey in config or OPENAI_API_KEY"}
		}
		return NewOpenAIProvider(key, cfg.Providers.OpenAI.APIBase, model), nil
	default:
		return nil, &ProviderError{Provider: provID, Hint: "unsupported provider, use openai or anthropic"}
	}
}
