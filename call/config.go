package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"meshcall/media"
	"meshcall/mesh"
	"meshcall/metric"
	"meshcall/peer"
	"meshcall/redis"
	"meshcall/signal/auth"
	"meshcall/signal/client"
)

// DefaultRosterInterval is how often the roster is polled for newcomers.
const DefaultRosterInterval = 5 * time.Second

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid call config")

// ICEServer is a STUN or TURN server handed to every peer connection.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Timing overrides the orchestrator defaults. Zero values keep the default.
type Timing struct {
	CheckingTimeout      time.Duration `yaml:"checking_timeout"`
	RestartVerifyTimeout time.Duration `yaml:"restart_verify_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxResetAttempts     int           `yaml:"max_reset_attempts"`
	SendAttempts         int           `yaml:"send_attempts"`
	SendDelay            time.Duration `yaml:"send_delay"`
	ReactionTTL          time.Duration `yaml:"reaction_ttl"`
}

// Config contains the configuration of a participant.
type Config struct {
	MeetingID     string `yaml:"meeting"`
	ParticipantID string `yaml:"participant"`

	// RelayURL is the websocket endpoint of the relay, e.g. ws://host:7070/ws.
	RelayURL string `yaml:"relay"`

	// Token authenticates against the relay. When empty, tokens are signed
	// locally with Secret.
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`

	// Peers seed the roster when no Redis is configured.
	Peers          []string      `yaml:"peers"`
	RosterInterval time.Duration `yaml:"roster_interval"`

	ICEServers []ICEServer       `yaml:"ice_servers"`
	Peer       peer.Config       `yaml:"peer"`
	Media      media.Constraints `yaml:"media"`
	Timing     Timing            `yaml:"timing"`
	Redis      *redis.Config     `yaml:"redis"`
	Metrics    metric.Config     `yaml:"metrics"`
}

// DefaultConfig returns a configuration sending audio and video with
// default timings and metrics disabled.
func DefaultConfig() Config {
	metrics := metric.DefaultConfig()
	metrics.Port = 0
	return Config{
		RosterInterval: DefaultRosterInterval,
		Media:          media.Constraints{Audio: true, Video: true},
		Metrics:        metrics,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MeetingID == "" {
		return fmt.Errorf("meeting id is required: %w", ErrInvalidConfig)
	}
	if c.ParticipantID == "" {
		return fmt.Errorf("participant id is required: %w", ErrInvalidConfig)
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay url is required: %w", ErrInvalidConfig)
	}
	if c.Token == "" && c.Secret == "" {
		return fmt.Errorf("either token or secret is required: %w", ErrInvalidConfig)
	}
	if c.RosterInterval <= 0 {
		return fmt.Errorf("roster interval must be positive, given %s: %w", c.RosterInterval, ErrInvalidConfig)
	}
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server without urls: %w", ErrInvalidConfig)
		}
	}
	if err := c.Peer.Validate(); err != nil {
		return fmt.Errorf("peer: %w: %w", err, ErrInvalidConfig)
	}
	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w: %w", err, ErrInvalidConfig)
		}
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w: %w", err, ErrInvalidConfig)
	}
	return c.MeshConfig().Validate()
}

// MeshConfig returns the orchestrator configuration.
func (c Config) MeshConfig() mesh.Config {
	config := mesh.DefaultConfig(c.ParticipantID)
	config.Media = c.Media
	for _, s := range c.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	t := c.Timing
	if t.CheckingTimeout != 0 {
		config.CheckingTimeout = t.CheckingTimeout
	}
	if t.RestartVerifyTimeout != 0 {
		config.RestartVerifyTimeout = t.RestartVerifyTimeout
	}
	if t.SweepInterval != 0 {
		config.SweepInterval = t.SweepInterval
	}
	if t.ReconnectBackoff != 0 {
		config.ReconnectBackoff = t.ReconnectBackoff
	}
	if t.MaxResetAttempts != 0 {
		config.MaxResetAttempts = t.MaxResetAttempts
	}
	if t.SendAttempts != 0 {
		config.SendRetry.MaxAttempts = t.SendAttempts
	}
	if t.SendDelay != 0 {
		config.SendRetry.Delay = t.SendDelay
	}
	if t.ReactionTTL != 0 {
		config.State.ReactionTTL = t.ReactionTTL
	}
	return config
}

// TokenSource returns how relay tokens are obtained.
func (c Config) TokenSource() (client.TokenSource, error) {
	if c.Token != "" {
		return client.StaticToken(c.Token), nil
	}
	authority, err := auth.New(c.Secret, 0)
	if err != nil {
		return nil, err
	}
	return authority.Issue, nil
}
