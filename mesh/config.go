package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"meshcall/media"
	"meshcall/pkg/retry"
	"meshcall/state"
)

// Default values for the orchestrator.
const (
	DefaultCheckingTimeout      = 10 * time.Second
	DefaultRestartVerifyTimeout = 5 * time.Second
	DefaultSweepInterval        = 5 * time.Second
	DefaultMaxResetAttempts     = 3
	DefaultReconnectBackoff     = 3 * time.Second
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid mesh config")

// Config contains the configuration for an Orchestrator.
type Config struct {
	// SelfID is the local participant identifier. It is compared with remote
	// identifiers to break negotiation ties.
	SelfID string

	// ICEServers are handed to every peer connection.
	ICEServers []webrtc.ICEServer

	// Media is requested from the provider on join and on reconnect.
	Media media.Constraints

	CheckingTimeout      time.Duration
	RestartVerifyTimeout time.Duration
	SweepInterval        time.Duration
	MaxResetAttempts     int
	ReconnectBackoff     time.Duration

	// SendRetry governs every signaling send.
	SendRetry retry.Policy

	State state.Config
}

// DefaultConfig returns a configuration with default timings for selfID.
func DefaultConfig(selfID string) Config {
	return Config{
		SelfID:               selfID,
		Media:                media.Constraints{Audio: true, Video: true},
		CheckingTimeout:      DefaultCheckingTimeout,
		RestartVerifyTimeout: DefaultRestartVerifyTimeout,
		SweepInterval:        DefaultSweepInterval,
		MaxResetAttempts:     DefaultMaxResetAttempts,
		ReconnectBackoff:     DefaultReconnectBackoff,
		SendRetry:            retry.DefaultPolicy(),
		State:                state.DefaultConfig(),
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("self id is required: %w", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"checking timeout":       c.CheckingTimeout,
		"restart verify timeout": c.RestartVerifyTimeout,
		"sweep interval":         c.SweepInterval,
		"reconnect backoff":      c.ReconnectBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, given %s: %w", name, d, ErrInvalidConfig)
		}
	}
	if c.MaxResetAttempts < 1 {
		return fmt.Errorf("max reset attempts must be positive, given %d: %w", c.MaxResetAttempts, ErrInvalidConfig)
	}
	if err := c.SendRetry.Validate(); err != nil {
		return fmt.Errorf("send retry: %w: %w", err, ErrInvalidConfig)
	}
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state: %w: %w", err, ErrInvalidConfig)
	}
	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media: %w: %w", err, ErrInvalidConfig)
	}
	return nil
}
