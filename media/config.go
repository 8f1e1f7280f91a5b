package media

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoTracks is returned when constraints request neither audio nor video.
var ErrNoTracks = errors.New("no tracks requested")

// Constraints select which local tracks to acquire and where their RTP comes from.
type Constraints struct {
	Audio bool `yaml:"audio"`
	Video bool `yaml:"video"`

	// AudioRTPAddr and VideoRTPAddr are UDP addresses to read RTP packets
	// from. Empty means the track is created without a source.
	AudioRTPAddr string `yaml:"audio_rtp_addr"`
	VideoRTPAddr string `yaml:"video_rtp_addr"`
}

// Validate validates the constraints.
func (c Constraints) Validate() error {
	if !c.Audio && !c.Video {
		return ErrNoTracks
	}
	for _, addr := range []string{c.AudioRTPAddr, c.VideoRTPAddr} {
		if addr == "" {
			continue
		}
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return fmt.Errorf("invalid rtp address %s: %w", addr, err)
		}
	}
	return nil
}
