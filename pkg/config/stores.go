package config

import (
	"fmt"
	"time"
)

// HistoryConfig configures the durable history store.
type HistoryConfig struct {
	// Driver is the SQL driver: sqlite, postgres, or mysql.
	Driver string `yaml:"driver,omitempty"`

	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path.
	DSN string `yaml:"dsn,omitempty"`

	// MaxConns and MaxIdle bound the connection pool.
	MaxConns int `yaml:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty"`

	// MessageCacheTTLDays is the Presence Store TTL for the per-session
	// cached message list.
	MessageCacheTTLDays int `yaml:"message_cache_ttl_days,omitempty"`
}

func (c *HistoryConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = "parley.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.MessageCacheTTLDays == 0 {
		c.MessageCacheTTLDays = 7
	}
}

func (c *HistoryConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver %q (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}

// MessageCacheTTL returns the cached message list TTL as a duration.
func (c *HistoryConfig) MessageCacheTTL() time.Duration {
	return time.Duration(c.MessageCacheTTLDays) * 24 * time.Hour
}

// PresenceConfig configures the Redis-backed presence store.
type PresenceConfig struct {
	// Addr is the Redis address. Empty selects the in-memory store
	// (single-node deployments and tests).
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// KeyPrefix namespaces all presence keys.
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

func (c *PresenceConfig) SetDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "parley"
	}
}

func (c *PresenceConfig) Validate() error {
	if c.DB < 0 {
		return fmt.Errorf("db must be non-negative")
	}
	return nil
}
