package llms

import (
	"fmt"

	"github.com/parley-ai/parley/pkg/config"
)

// Registry constructs providers from configuration. Provider construction is
// cheap relative to an agent turn, so bindings are built fresh per
// (provider, model) request rather than cached.
type Registry struct {
	cfg *config.LLMConfig
}

// NewRegistry creates a provider registry over the LLM configuration.
func NewRegistry(cfg *config.LLMConfig) *Registry {
	return &Registry{cfg: cfg}
}

// DefaultProvider returns the configured default provider id.
func (r *Registry) DefaultProvider() string {
	return r.cfg.DefaultProvider
}

// Get builds a provider binding. Empty providerID selects the default;
// empty modelID keeps the provider's configured model.
func (r *Registry) Get(providerID, modelID string) (Provider, error) {
	if providerID == "" {
		providerID = r.cfg.DefaultProvider
	}
	if providerID == "" {
		return nil, fmt.Errorf("no provider requested and no default_provider configured")
	}

	base, ok := r.cfg.Providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q", providerID)
	}

	// Copy so a per-request model override never mutates shared config.
	cfg := *base
	if modelID != "" {
		cfg.Model = modelID
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(providerID, &cfg), nil
	case "anthropic":
		return NewAnthropicProvider(providerID, &cfg), nil
	case "ollama":
		return NewOllamaProvider(providerID, &cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}
