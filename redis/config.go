// Package redis replicates participant state and the meeting roster through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRosterTTL is how long an idle roster is kept.
	DefaultRosterTTL = 24 * time.Hour
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("invalid redis config")

// Config is the configuration for connecting to Redis.
type Config struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	RosterTTL time.Duration `yaml:"roster_ttl"`
}

// Validate validates the address and the roster TTL.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address is required: %w", ErrInvalidConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("db must not be negative, given %d: %w", c.DB, ErrInvalidConfig)
	}
	if c.RosterTTL < 0 {
		return fmt.Errorf("roster ttl must not be negative, given %s: %w", c.RosterTTL, ErrInvalidConfig)
	}
	return nil
}

// Connect creates a client and checks the connection.
func Connect(ctx context.Context, config Config) (*redis.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func stateKey(meetingID string) string {
	return "meeting:" + meetingID + ":state"
}

func changesChannel(meetingID string) string {
	return "meeting:" + meetingID + ":state:changes"
}

func rosterKey(meetingID string) string {
	return "meeting:" + meetingID + ":participants"
}
