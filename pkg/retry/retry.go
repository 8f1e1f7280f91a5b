// Package retry runs an operation under an explicit, bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/pkg/clock"
)

// Default values for a Policy.
const (
	DefaultMaxAttempts = 3
	DefaultDelay       = time.Second
)

var (
	// ErrExhausted is returned when every attempt of a policy failed.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidPolicy is returned by Validate for unusable policies.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy describes how an operation is retried: how many times, how long to
// wait between attempts and what to do once attempts are exhausted.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// OnExhausted is called with the last error once all attempts failed.
	OnExhausted func(err error)
}

// DefaultPolicy returns the policy used for signaling sends.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, given %d: %w", p.MaxAttempts, ErrInvalidPolicy)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative, given %s: %w", p.Delay, ErrInvalidPolicy)
	}
	return nil
}

// Do calls op until it succeeds, the policy is exhausted or ctx is done.
// The error returned on exhaustion wraps both ErrExhausted and the last
// error returned by op.
func Do(ctx context.Context, clk clock.Clock, p Policy, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = op(ctx); last == nil {
			return nil
		}
		if attempt < p.MaxAttempts && p.Delay > 0 {
			if err := wait(ctx, clk, p.Delay); err != nil {
				return err
			}
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, last)
	if p.OnExhausted != nil {
		p.OnExhausted(err)
	}
	return err
}

// wait blocks for d on clk or until ctx is done.
func wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	elapsed := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(elapsed) })
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-elapsed:
		return nil
	}
}
