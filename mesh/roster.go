package mesh

import (
	"context"
	"sort"
	"sync"
)

// Roster is the session roster: the participants currently in a meeting.
//
//go:generate mockgen -destination=mock_roster.go -package=mesh . Roster
type Roster interface {
	Add(ctx context.Context, meetingID, participantID string) error
	Remove(ctx context.Context, meetingID, participantID string) error
	Members(ctx context.Context, meetingID string) ([]string, error)
}

// Compile-time interface check.
var _ Roster = (*MemoryRoster)(nil)

// MemoryRoster is an in-process Roster.
type MemoryRoster struct {
	mu       sync.Mutex
	meetings map[string]map[string]struct{}
}

// NewMemoryRoster creates an empty roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{meetings: map[string]map[string]struct{}{}}
}

// Add adds a participant to a meeting.
func (r *MemoryRoster) Add(_ context.Context, meetingID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.meetings[meetingID] == nil {
		r.meetings[meetingID] = map[string]struct{}{}
	}
	r.meetings[meetingID][participantID] = struct{}{}
	return nil
}

// Remove removes a participant from a meeting.
func (r *MemoryRoster) Remove(_ context.Context, meetingID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meetings[meetingID], participantID)
	return nil
}

// Members returns the participants of a meeting, sorted.
func (r *MemoryRoster) Members(_ context.Context, meetingID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]string, 0, len(r.meetings[meetingID]))
	for id := range r.meetings[meetingID] {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}
