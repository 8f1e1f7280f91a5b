package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"meshcall/call"
	"meshcall/metric"
	"meshcall/redis"
	"meshcall/signal"
)

// ErrInvalidArgs is returned when the arguments cannot be parsed.
var ErrInvalidArgs = errors.New("invalid args")

// RelayConfig is the configuration of the relay subcommand.
type RelayConfig struct {
	Signal  signal.Config `yaml:"signal"`
	Metrics metric.Config `yaml:"metrics"`
}

// Validate validates the relay and metrics configuration.
func (c RelayConfig) Validate() error {
	if err := c.Signal.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// TokenConfig is the configuration of the token subcommand.
type TokenConfig struct {
	Secret        string        `yaml:"secret"`
	MeetingID     string        `yaml:"meeting"`
	ParticipantID string        `yaml:"participant"`
	TTL           time.Duration `yaml:"ttl"`
}

// Validate validates that every field needed to sign a token is set.
func (c TokenConfig) Validate() error {
	if c.Secret == "" || c.MeetingID == "" || c.ParticipantID == "" {
		return fmt.Errorf("secret, meeting and participant are required: %w", ErrInvalidArgs)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative, given %s: %w", c.TTL, ErrInvalidArgs)
	}
	return nil
}

// LoadFile decodes a YAML file into out. Unknown keys are rejected.
func LoadFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// parse binds flags onto base. When -config is given the file is loaded
// first and flags set on the command line override it.
func parse[T any](w io.Writer, name string, args []string, base T, bind func(fs *flag.FlagSet, c *T)) (T, error) {
	var path string
	newFlagSet := func(c *T) *flag.FlagSet {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(w)
		fs.StringVar(&path, "config", "", "YAML config file")
		bind(fs, c)
		return fs
	}

	conf := base
	fs := newFlagSet(&conf)
	if err := fs.Parse(args); err != nil {
		return base, fmt.Errorf("failed to parse args: %w: %w", err, ErrInvalidArgs)
	}
	if fs.NArg() != 0 {
		return base, fmt.Errorf("some args are not parsed %v: %w", fs.Args(), ErrInvalidArgs)
	}
	if path == "" {
		return conf, nil
	}

	conf = base
	if err := LoadFile(path, &conf); err != nil {
		return base, err
	}
	if err := newFlagSet(&conf).Parse(args); err != nil {
		return base, fmt.Errorf("failed to parse args: %w: %w", err, ErrInvalidArgs)
	}
	return conf, nil
}

// ParseRelay parses the arguments of the relay subcommand.
func ParseRelay(w io.Writer, args []string) (RelayConfig, error) {
	base := RelayConfig{Signal: signal.DefaultConfig(), Metrics: metric.DefaultConfig()}
	base.Metrics.Port = 0

	return parse(w, "relay", args, base, func(fs *flag.FlagSet, c *RelayConfig) {
		fs.IntVar(&c.Signal.Port, "port", c.Signal.Port, "listening port")
		fs.StringVar(&c.Signal.KeyFile, "key", c.Signal.KeyFile, "key file path")
		fs.StringVar(&c.Signal.CertFile, "cert", c.Signal.CertFile, "cert file path")
		fs.StringVar(&c.Signal.Secret, "secret", c.Signal.Secret, "token signing secret")
		fs.DurationVar(&c.Signal.MailboxTTL, "mailbox-ttl", c.Signal.MailboxTTL, "how long unacknowledged signals are kept")
		fs.IntVar(&c.Metrics.Port, "metrics-port", c.Metrics.Port, "separate metrics port, 0 serves metrics on the relay port only")
		fs.Func("origins", "comma separated browser origins allowed to connect", func(s string) error {
			c.Signal.AllowedOrigins = splitList(s)
			return nil
		})
	})
}

// ParseJoin parses the arguments of the join subcommand. A random
// participant id is generated when none is given.
func ParseJoin(w io.Writer, args []string) (call.Config, error) {
	conf, err := parse(w, "join", args, call.DefaultConfig(), func(fs *flag.FlagSet, c *call.Config) {
		fs.StringVar(&c.MeetingID, "meeting", c.MeetingID, "meeting to join")
		fs.StringVar(&c.ParticipantID, "participant", c.ParticipantID, "local participant id")
		fs.StringVar(&c.RelayURL, "relay", c.RelayURL, "relay websocket url")
		fs.StringVar(&c.Token, "token", c.Token, "relay token")
		fs.StringVar(&c.Secret, "secret", c.Secret, "secret to sign relay tokens with")
		fs.DurationVar(&c.RosterInterval, "roster-interval", c.RosterInterval, "roster polling interval")
		fs.BoolVar(&c.Media.Audio, "audio", c.Media.Audio, "send audio")
		fs.BoolVar(&c.Media.Video, "video", c.Media.Video, "send video")
		fs.StringVar(&c.Media.AudioRTPAddr, "audio-rtp", c.Media.AudioRTPAddr, "UDP address to read audio RTP from")
		fs.StringVar(&c.Media.VideoRTPAddr, "video-rtp", c.Media.VideoRTPAddr, "UDP address to read video RTP from")
		fs.IntVar(&c.Metrics.Port, "metrics-port", c.Metrics.Port, "metrics port, 0 disables it")
		fs.Func("peers", "comma separated participants to connect to without redis", func(s string) error {
			c.Peers = splitList(s)
			return nil
		})
		fs.Func("ice", "STUN or TURN url, repeatable", func(s string) error {
			c.ICEServers = append(c.ICEServers, call.ICEServer{URLs: []string{s}})
			return nil
		})
		fs.Func("redis", "redis address for roster and state replication", func(s string) error {
			if c.Redis == nil {
				c.Redis = &redis.Config{}
			}
			c.Redis.Addr = s
			return nil
		})
	})
	if err != nil {
		return conf, err
	}
	if conf.ParticipantID == "" {
		conf.ParticipantID = uuid.NewString()
	}
	return conf, nil
}

// ParseToken parses the arguments of the token subcommand.
func ParseToken(w io.Writer, args []string) (TokenConfig, error) {
	return parse(w, "token", args, TokenConfig{}, func(fs *flag.FlagSet, c *TokenConfig) {
		fs.StringVar(&c.Secret, "secret", c.Secret, "token signing secret")
		fs.StringVar(&c.MeetingID, "meeting", c.MeetingID, "meeting id")
		fs.StringVar(&c.ParticipantID, "participant", c.ParticipantID, "participant id")
		fs.DurationVar(&c.TTL, "ttl", c.TTL, "token lifetime, 0 for the default")
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
