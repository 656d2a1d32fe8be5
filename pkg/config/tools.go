package config

import (
	"fmt"
	"time"
)

// ToolsConfig configures tool servers and risk defaults.
type ToolsConfig struct {
	// DefaultRisk applies when a server omits a tool's risk level.
	// One of: low, medium, high.
	DefaultRisk string `yaml:"default_risk,omitempty"`

	// Servers declared at startup. Servers can also be registered at
	// runtime via the API.
	Servers []*ToolServerConfig `yaml:"servers,omitempty"`

	// ServersFile optionally points at a standalone YAML file holding the
	// server list. When Watch is set, changes to the file re-register
	// servers live.
	ServersFile string `yaml:"servers_file,omitempty"`
	Watch       bool   `yaml:"watch,omitempty"`

	// CallTimeoutSeconds bounds a single remote tool call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds,omitempty"`
}

// ToolServerConfig declares one remote MCP tool server. Exactly one
// connection mode must be set: a local command (stdio transport) or a
// remote URL (HTTP/SSE transport).
type ToolServerConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`

	// Local process mode.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Remote mode.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// DefaultRisk applies to this server's tools when no override matches.
	DefaultRisk string `yaml:"default_risk,omitempty"`

	// RiskOverrides maps bare tool names to risk levels. Overrides may
	// raise or set risk; adapters never downgrade a declared level at call
	// time.
	RiskOverrides map[string]string `yaml:"risk_overrides,omitempty"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.DefaultRisk == "" {
		c.DefaultRisk = "medium"
	}
	if c.CallTimeoutSeconds == 0 {
		c.CallTimeoutSeconds = 60
	}
}

func (c *ToolsConfig) Validate() error {
	if !validRisk(c.DefaultRisk) {
		return fmt.Errorf("invalid default_risk %q (valid: low, medium, high)", c.DefaultRisk)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if srv == nil {
			return fmt.Errorf("empty server entry")
		}
		if err := srv.Validate(); err != nil {
			return err
		}
		if seen[srv.ID] {
			return fmt.Errorf("duplicate tool server id %q", srv.ID)
		}
		seen[srv.ID] = true
	}
	return nil
}

func (c *ToolServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("tool server id is required")
	}
	hasCommand := c.Command != ""
	hasURL := c.URL != ""
	if hasCommand == hasURL {
		return fmt.Errorf("tool server %q must set exactly one of command or url", c.ID)
	}
	if c.DefaultRisk != "" && !validRisk(c.DefaultRisk) {
		return fmt.Errorf("tool server %q: invalid default_risk %q", c.ID, c.DefaultRisk)
	}
	for tool, risk := range c.RiskOverrides {
		if !validRisk(risk) {
			return fmt.Errorf("tool server %q: invalid risk %q for tool %q", c.ID, risk, tool)
		}
	}
	return nil
}

// CallTimeout returns the remote call bound as a duration.
func (c *ToolsConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func validRisk(s string) bool {
	switch s {
	case "low", "medium", "high":
		return true
	}
	return false
}
