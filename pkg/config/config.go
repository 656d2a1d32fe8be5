// Package config defines the deployment configuration surface and the YAML
// loader with environment-variable expansion.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/logger"
)

// Config is the root configuration for a deployment.
type Config struct {
	Server       ServerConfig       `yaml:"server,omitempty"`
	Logger       logger.Config      `yaml:"logger,omitempty"`
	LLM          LLMConfig          `yaml:"llm,omitempty"`
	AgentManager AgentManagerConfig `yaml:"agent_manager,omitempty"`
	Session      SessionConfig      `yaml:"session,omitempty"`
	History      HistoryConfig      `yaml:"history,omitempty"`
	Presence     PresenceConfig     `yaml:"presence,omitempty"`
	Permission   PermissionConfig   `yaml:"permission,omitempty"`
	Stream       StreamConfig       `yaml:"stream,omitempty"`
	Tools        ToolsConfig        `yaml:"tools,omitempty"`
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses raw YAML config content.
func LoadBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and no providers or
// tool servers configured.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.LLM.SetDefaults()
	c.AgentManager.SetDefaults()
	c.Session.SetDefaults()
	c.History.SetDefaults()
	c.Presence.SetDefaults()
	c.Permission.SetDefaults()
	c.Stream.SetDefaults()
	c.Tools.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logger", c.Logger.Validate},
		{"llm", c.LLM.Validate},
		{"agent_manager", c.AgentManager.Validate},
		{"session", c.Session.Validate},
		{"history", c.History.Validate},
		{"presence", c.Presence.Validate},
		{"permission", c.Permission.Validate},
		{"stream", c.Stream.Validate},
		{"tools", c.Tools.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeoutSeconds == 0 {
		c.ShutdownTimeoutSeconds = 15
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
