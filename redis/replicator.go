package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"meshcall/state"
)

// Compile-time interface check.
var _ state.Replicator = (*Replicator)(nil)

// ErrWatchClosed is returned when the change stream ends unexpectedly.
var ErrWatchClosed = errors.New("state watch closed")

// change is published on the changes channel of a meeting.
type change struct {
	ParticipantID string      `json:"participant_id"`
	State         state.State `json:"state"`
	Deleted       bool        `json:"deleted,omitempty"`
}

// Replicator keeps participant states in a hash per meeting and publishes
// every change on a channel per meeting.
type Replicator struct {
	client redis.UniversalClient
}

// NewReplicator creates a Replicator.
func NewReplicator(client redis.UniversalClient) *Replicator {
	return &Replicator{client: client}
}

// SetState stores and publishes the state of a participant.
func (r *Replicator) SetState(ctx context.Context, meetingID, participantID string, s state.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(change{ParticipantID: participantID, State: s})
	if err != nil {
		return err
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, stateKey(meetingID), participantID, data)
		pipe.Publish(ctx, changesChannel(meetingID), msg)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to set state of %s: %w", participantID, mapError(err))
	}
	return nil
}

// DeleteState removes the state of a participant and publishes the removal.
func (r *Replicator) DeleteState(ctx context.Context, meetingID, participantID string) error {
	msg, err := json.Marshal(change{ParticipantID: participantID, Deleted: true})
	if err != nil {
		return err
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, stateKey(meetingID), participantID)
		pipe.Publish(ctx, changesChannel(meetingID), msg)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to delete state of %s: %w", participantID, mapError(err))
	}
	return nil
}

// Watch subscribes to the changes of a meeting. Unless reduced, the stored
// states are delivered first. Changes published between subscribing and
// reading the snapshot may be delivered twice.
func (r *Replicator) Watch(ctx context.Context, meetingID string, opts state.WatchOptions, h state.ChangeHandler) error {
	sub := r.client.Subscribe(ctx, changesChannel(meetingID))
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("failed to close state subscription: %v", err)
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to subscribe to state of %s: %w", meetingID, mapError(err))
	}

	if !opts.Reduced {
		snapshot, err := r.client.HGetAll(ctx, stateKey(meetingID)).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read state of %s: %w", meetingID, mapError(err))
		}
		for participantID, data := range snapshot {
			var s state.State
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				log.Printf("failed to decode state of %s: %v", participantID, err)
				continue
			}
			h(participantID, s, false)
		}
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrWatchClosed
			}
			var c change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Printf("failed to decode state change: %v", err)
				continue
			}
			h(c.ParticipantID, c.State, c.Deleted)
		}
	}
}

// mapError reports permission errors as unsupported queries so that the
// watcher falls back to a reduced watch.
func mapError(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "NOPERM") {
		return fmt.Errorf("%w: %w", state.ErrUnsupportedQuery, err)
	}
	return err
}
