package waittask

import (
	"fmt"
	"time"
)

// Config holds configuration for the wait-task processor.
type Config struct {
	// Group is the consumer group reading start-task events.
	Group string `yaml:"group" json:"group"`

	// LockTimeout bounds every registry lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// DeregisterAttempts bounds the deregistration retries of a finishing
	// worker.
	DeregisterAttempts int `yaml:"deregister_attempts" json:"deregister_attempts"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Group:              "starting",
		LockTimeout:        30 * time.Second,
		DeregisterAttempts: 3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Group == "" {
		c.Group = defaults.Group
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.DeregisterAttempts == 0 {
		c.DeregisterAttempts = defaults.DeregisterAttempts
	}
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group is required")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if c.DeregisterAttempts < 1 {
		return fmt.Errorf("deregister_attempts must be at least 1")
	}
	return nil
}
