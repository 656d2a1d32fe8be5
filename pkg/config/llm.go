package config

import "fmt"

// LLMConfig selects the default provider and holds per-provider blocks.
type LLMConfig struct {
	// DefaultProvider names the provider used when a chat request carries no
	// override.
	DefaultProvider string `yaml:"default_provider,omitempty"`

	// ContextBudgetFraction is the fraction of the model's context window
	// usable for prompt assembly.
	ContextBudgetFraction float64 `yaml:"context_budget_fraction,omitempty"`

	// HistoryMessagesMax is the soft cap on replayed history messages per
	// turn.
	HistoryMessagesMax int `yaml:"history_messages_max,omitempty"`

	// Providers maps provider id to its configuration.
	Providers map[string]*ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	// Type selects the adapter: openai, anthropic, or ollama.
	// Defaults to the provider's map key.
	Type string `yaml:"type,omitempty"`

	// Model is the default model id for this provider.
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible gateways,
	// local Ollama).
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Streaming toggles streamed responses. Defaults to true.
	Streaming *bool `yaml:"streaming,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// ContextWindow is the model's declared context window in tokens.
	ContextWindow int `yaml:"context_window,omitempty"`

	// Multimodal declares image input support.
	Multimodal bool `yaml:"multimodal,omitempty"`

	// TimeoutSeconds bounds a single provider HTTP call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxRetries bounds provider HTTP retries.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.ContextBudgetFraction == 0 {
		c.ContextBudgetFraction = 0.6
	}
	if c.HistoryMessagesMax == 0 {
		c.HistoryMessagesMax = 10
	}
	for name, p := range c.Providers {
		if p == nil {
			continue
		}
		if p.Type == "" {
			p.Type = name
		}
		p.SetDefaults()
	}
	if c.DefaultProvider == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			c.DefaultProvider = name
		}
	}
}

func (c *LLMConfig) Validate() error {
	if c.ContextBudgetFraction <= 0 || c.ContextBudgetFraction > 1 {
		return fmt.Errorf("context_budget_fraction must be in (0, 1], got %v", c.ContextBudgetFraction)
	}
	if c.HistoryMessagesMax < 1 {
		return fmt.Errorf("history_messages_max must be positive")
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q has no provider block", c.DefaultProvider)
		}
	}
	for name, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("provider %q is empty", name)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}
	return nil
}

func (c *ProviderConfig) SetDefaults() {
	switch c.Type {
	case "openai":
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model == "" {
			c.Model = "gpt-4o"
		}
		if c.APIKeyEnv == "" {
			c.APIKeyEnv = "OPENAI_API_KEY"
		}
		if c.ContextWindow == 0 {
			c.ContextWindow = 128000
		}
	case "anthropic":
		if c.BaseURL == "" {
			c.BaseURL = "https://api.anthropic.com"
		}
		if c.Model == "" {
			c.Model = "claude-sonnet-4-20250514"
		}
		if c.APIKeyEnv == "" {
			c.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
		if c.ContextWindow == 0 {
			c.ContextWindow = 200000
		}
	case "ollama":
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:11434"
		}
		if c.Model == "" {
			c.Model = "llama3.2"
		}
		if c.ContextWindow == 0 {
			c.ContextWindow = 8192
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Streaming == nil {
		streaming := true
		c.Streaming = &streaming
	}
}

func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported provider type %q (supported: openai, anthropic, ollama)", c.Type)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %v", c.Temperature)
	}
	return nil
}

// StreamingEnabled reports whether streaming is on (default true).
func (c *ProviderConfig) StreamingEnabled() bool {
	return c.Streaming == nil || *c.Streaming
}
