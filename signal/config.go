package signal

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultPort is the default port number for the server.
	DefaultPort = 7070

	// DefaultMailboxTTL is how long an unacknowledged signal is kept.
	DefaultMailboxTTL = 10 * time.Minute

	// DefaultSweepInterval is the interval of the mailbox expiry sweep.
	DefaultSweepInterval = time.Minute

	// SocketPath is the path of the websocket endpoint.
	SocketPath = "/ws"

	// HealthPath is the path of the health endpoint.
	HealthPath = "/healthz"
)

// Below is the Error message for the server.
var (
	ErrInvalidPort     = errors.New("invalid port")
	ErrInvalidCertFile = errors.New("invalid cert file")
	ErrInvalidKeyFile  = errors.New("invalid key file")
	ErrInvalidSecret   = errors.New("invalid secret")
	ErrInvalidDuration = errors.New("invalid duration")
)

// Config is the configuration for creating a Server instance.
type Config struct {
	Port          int           `yaml:"port"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	Secret        string        `yaml:"secret"`
	MailboxTTL    time.Duration `yaml:"mailbox_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the default relay configuration without a secret.
func DefaultConfig() Config {
	return Config{
		Port:          DefaultPort,
		MailboxTTL:    DefaultMailboxTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Validate validates the port number, the secret, the durations and the files for certification.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("must be between 1 and 65535, given %d: %w", c.Port, ErrInvalidPort)
	}

	if c.Secret == "" {
		return fmt.Errorf("token secret is required: %w", ErrInvalidSecret)
	}

	if c.MailboxTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("mailbox ttl %s and sweep interval %s must be positive: %w", c.MailboxTTL, c.SweepInterval, ErrInvalidDuration)
	}

	if c.CertFile == "" && c.KeyFile == "" {
		return nil
	}

	if _, err := os.Stat(c.CertFile); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %w", c.CertFile, ErrInvalidCertFile)
		}
		return fmt.Errorf("unable to access %s: %w", c.CertFile, ErrInvalidCertFile)
	}

	if _, err := os.Stat(c.KeyFile); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %w", c.KeyFile, ErrInvalidKeyFile)
		}
		return fmt.Errorf("unable to access %s: %w", c.KeyFile, ErrInvalidKeyFile)
	}

	return nil
}
