package state

import (
	"errors"
	"fmt"
	"time"
)

// Default values for the store.
const (
	DefaultReactionTTL  = 5 * time.Second
	DefaultRewatchDelay = 2 * time.Second
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid state config")

// Config contains the configuration for the store.
type Config struct {
	ReactionTTL  time.Duration
	RewatchDelay time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ReactionTTL:  DefaultReactionTTL,
		RewatchDelay: DefaultRewatchDelay,
	}
}

// Validate validates the durations.
func (c Config) Validate() error {
	if c.ReactionTTL <= 0 {
		return fmt.Errorf("reaction ttl must be positive, given %s: %w", c.ReactionTTL, ErrInvalidConfig)
	}
	if c.RewatchDelay <= 0 {
		return fmt.Errorf("rewatch delay must be positive, given %s: %w", c.RewatchDelay, ErrInvalidConfig)
	}
	return nil
}
