package requesttask

import (
	"fmt"
	"time"
)

// Config holds configuration for the request-task processor.
type Config struct {
	// Group is the consumer group reading start-task events.
	Group string `yaml:"group" json:"group"`

	// Timeout bounds one HTTP call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxResponseSize caps the response body read, in bytes.
	MaxResponseSize int64 `yaml:"max_response_size" json:"max_response_size"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Group:           "request",
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 << 20,
		UserAgent:       "semtask/0.1",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Group == "" {
		c.Group = defaults.Group
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = defaults.MaxResponseSize
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxResponseSize <= 0 {
		return fmt.Errorf("max_response_size must be positive")
	}
	return nil
}
