// Package signal contains the signaling channel contract and the relay server implementing it.
package signal

import (
	"context"
	"errors"

	"meshcall/types/message"
)

var (
	// ErrNotSubscribed is returned when sending or acknowledging without a live subscription.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrSubscriptionClosed is reported by a subscription that ended because the transport was lost.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Handler receives a batch of delivered signals. Delivered signals stay in
// the transport until acknowledged and may be delivered again.
type Handler func(batch []message.Signal)

// Subscription is a live delivery stream.
type Subscription interface {
	// Done is closed when delivery stops.
	Done() <-chan struct{}

	// Err reports why delivery stopped, nil after Unsubscribe.
	Err() error

	Unsubscribe()
}

// Channel delivers addressed signals between participants of a meeting with
// at-least-once semantics and no ordering across senders.
//
//go:generate mockgen -destination=mock_channel.go -package=signal . Channel
type Channel interface {
	Send(ctx context.Context, msg message.Signal) error
	Subscribe(ctx context.Context, meetingID, selfID string, h Handler) (Subscription, error)
	Ack(ctx context.Context, meetingID, selfID string, ids []string) error
}
