package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Roster keeps the participants of a meeting in a set.
type Roster struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRoster creates a Roster. A non-positive ttl uses DefaultRosterTTL.
func NewRoster(client redis.UniversalClient, ttl time.Duration) *Roster {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &Roster{client: client, ttl: ttl}
}

// Add adds a participant and extends the lifetime of the roster.
func (r *Roster) Add(ctx context.Context, meetingID, participantID string) error {
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, rosterKey(meetingID), participantID)
		pipe.Expire(ctx, rosterKey(meetingID), r.ttl)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to add %s to roster: %w", participantID, err)
	}
	return nil
}

// Remove removes a participant.
func (r *Roster) Remove(ctx context.Context, meetingID, participantID string) error {
	if err := r.client.SRem(ctx, rosterKey(meetingID), participantID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from roster: %w", participantID, err)
	}
	return nil
}

// Members returns the participants of a meeting, sorted.
func (r *Roster) Members(ctx context.Context, meetingID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, rosterKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	sort.Strings(members)
	return members, nil
}
