package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidPortRange is returned when the UDP port range is unusable.
var ErrInvalidPortRange = errors.New("invalid port range")

// Config defines how the pion API is built.
type Config struct {
	MinUDPPort uint16 `yaml:"min_udp_port"` // Minimum UDP port for ICE, 0 for no limit
	MaxUDPPort uint16 `yaml:"max_udp_port"` // Maximum UDP port for ICE, 0 for no limit

	// PLIInterval enables periodic picture loss indication on received video.
	PLIInterval bool `yaml:"pli_interval"`
}

// Validate validates the port range.
func (c Config) Validate() error {
	if c.MinUDPPort == 0 && c.MaxUDPPort == 0 {
		return nil
	}
	if c.MinUDPPort == 0 || c.MaxUDPPort == 0 {
		return fmt.Errorf("both ends must be set, given %d-%d: %w", c.MinUDPPort, c.MaxUDPPort, ErrInvalidPortRange)
	}
	if c.MinUDPPort > c.MaxUDPPort {
		return fmt.Errorf("min (%d) > max (%d): %w", c.MinUDPPort, c.MaxUDPPort, ErrInvalidPortRange)
	}
	return nil
}

// SetPortRange sets the ephemeral UDP port range for ICE.
func (c Config) SetPortRange(s *webrtc.SettingEngine) error {
	if c.MinUDPPort == 0 && c.MaxUDPPort == 0 {
		return nil
	}
	if err := s.SetEphemeralUDPPortRange(c.MinUDPPort, c.MaxUDPPort); err != nil {
		return fmt.Errorf("failed to set ephemeral UDP port range: %w", err)
	}
	return nil
}
