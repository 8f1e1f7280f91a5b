package state

import (
	"context"
	"errors"
)

// ErrUnsupportedQuery is returned by Watch when the backing store cannot serve
// the requested query. Watching again with WatchOptions.Reduced set avoids it.
var ErrUnsupportedQuery = errors.New("replication query unsupported")

// WatchOptions select how much a watch asks of the backing store.
type WatchOptions struct {
	// Reduced skips the initial snapshot and only streams changes.
	Reduced bool
}

// ChangeHandler receives a replicated change. deleted is true when the
// participant's state was removed.
type ChangeHandler func(participantID string, s State, deleted bool)

// Replicator is a keyed document store shared by all participants of a meeting.
//
//go:generate mockgen -destination=mock_replicator.go -package=state . Replicator
type Replicator interface {
	SetState(ctx context.Context, meetingID, participantID string, s State) error
	DeleteState(ctx context.Context, meetingID, participantID string) error

	// Watch streams changes for the meeting until ctx is done or the stream
	// fails. It returns ctx.Err() on cancellation.
	Watch(ctx context.Context, meetingID string, opts WatchOptions, h ChangeHandler) error
}
