package config

import (
	"fmt"
	"time"
)

// AgentManagerConfig bounds the per-session agent instance cache.
type AgentManagerConfig struct {
	// MaxInstances is the hard cap on concurrent agent instances.
	MaxInstances int `yaml:"max_instances,omitempty"`

	// InstanceTTLSeconds is the inactivity age before an instance is
	// evicted.
	InstanceTTLSeconds int `yaml:"instance_ttl_seconds,omitempty"`

	// SweepIntervalSeconds is how often the TTL sweeper runs.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty"`

	// EvictBatch is how many instances an LRU eviction frees at once.
	EvictBatch int `yaml:"evict_batch,omitempty"`
}

func (c *AgentManagerConfig) SetDefaults() {
	if c.MaxInstances == 0 {
		c.MaxInstances = 100
	}
	if c.InstanceTTLSeconds == 0 {
		c.InstanceTTLSeconds = 3600
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 300
	}
	if c.EvictBatch == 0 {
		c.EvictBatch = 10
	}
}

func (c *AgentManagerConfig) Validate() error {
	if c.MaxInstances < 1 {
		return fmt.Errorf("max_instances must be positive")
	}
	if c.EvictBatch < 1 {
		return fmt.Errorf("evict_batch must be positive")
	}
	return nil
}

// InstanceTTL returns the instance TTL as a duration.
func (c *AgentManagerConfig) InstanceTTL() time.Duration {
	return time.Duration(c.InstanceTTLSeconds) * time.Second
}

// SweepInterval returns the sweep interval as a duration.
func (c *AgentManagerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SessionConfig configures session presence.
type SessionConfig struct {
	// TimeoutSeconds is the Presence Store TTL for session descriptors.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *SessionConfig) SetDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 3600
	}
}

func (c *SessionConfig) Validate() error {
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	return nil
}

// Timeout returns the presence TTL as a duration.
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PermissionConfig bounds consent waits for risky tool calls.
type PermissionConfig struct {
	// DefaultTimeoutSeconds is the consent wait applied when a call site
	// does not override it.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds,omitempty"`

	// MaxTimeoutSeconds caps per-call overrides.
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds,omitempty"`

	// SweepIntervalSeconds is how often expired pending executions are
	// forced to their terminal state.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty"`
}

func (c *PermissionConfig) SetDefaults() {
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = 30
	}
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = 300
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 30
	}
}

func (c *PermissionConfig) Validate() error {
	if c.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("default_timeout_seconds must be positive")
	}
	if c.MaxTimeoutSeconds < c.DefaultTimeoutSeconds {
		return fmt.Errorf("max_timeout_seconds (%d) must be >= default_timeout_seconds (%d)",
			c.MaxTimeoutSeconds, c.DefaultTimeoutSeconds)
	}
	return nil
}

// DefaultTimeout returns the default consent wait as a duration.
func (c *PermissionConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// MaxTimeout returns the consent wait cap as a duration.
func (c *PermissionConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep cadence as a duration.
func (c *PermissionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StreamConfig bounds per-subscriber event delivery.
type StreamConfig struct {
	// SubscriberQueueSize bounds each subscriber's event queue; overflow
	// drops oldest.
	SubscriberQueueSize int `yaml:"subscriber_queue_size,omitempty"`

	// HeartbeatSeconds is the idle interval before a heartbeat event.
	HeartbeatSeconds int `yaml:"heartbeat_seconds,omitempty"`
}

func (c *StreamConfig) SetDefaults() {
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = 100
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = 30
	}
}

func (c *StreamConfig) Validate() error {
	if c.SubscriberQueueSize < 1 {
		return fmt.Errorf("subscriber_queue_size must be positive")
	}
	return nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}
