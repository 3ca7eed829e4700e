package relay

import (
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts      = 3
	DefaultRetryDelay       = time.Second
	DefaultLivenessInterval = 5 * time.Second
)

// Config tunes a relay agent. Zero fields take the defaults.
type Config struct {
	// ExtensionID, when set, restricts the agent to page messages addressed
	// to that extension and rejects messages that carry no address.
	ExtensionID      string        `yaml:"extension_id"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	return c
}

// Validate rejects settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("relay config: max_attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("relay config: retry_delay must be >= 0, got %s", c.RetryDelay)
	}
	if c.LivenessInterval < 0 {
		return fmt.Errorf("relay config: liveness_interval must be >= 0, got %s", c.LivenessInterval)
	}
	return nil
}
