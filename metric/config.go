package metric

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the configuration for the metrics server.
type Config struct {
	Port           int           `yaml:"port"`            // Port for metrics server, 0 disables it
	Path           string        `yaml:"path"`            // Path for metrics endpoint
	SystemInterval time.Duration `yaml:"system_interval"` // Interval between cpu and memory samples
}

// Default values for metrics configuration.
const (
	DefaultMetricsPort    = 9090
	DefaultMetricsPath    = "/metrics"
	DefaultSystemInterval = 5 * time.Second
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid metric config")

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultMetricsPort,
		Path:           DefaultMetricsPath,
		SystemInterval: DefaultSystemInterval,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range, given %d: %w", c.Port, ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/', given %q: %w", c.Path, ErrInvalidConfig)
	}
	if c.SystemInterval <= 0 {
		return fmt.Errorf("system interval must be positive, given %s: %w", c.SystemInterval, ErrInvalidConfig)
	}
	return nil
}
