package state

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Replicator = (*MemoryReplicator)(nil)

// MemoryReplicator is an in-process Replicator. Changes are delivered
// synchronously to every watcher of the meeting.
type MemoryReplicator struct {
	mu       sync.Mutex
	states   map[string]map[string]State
	watchers map[string]map[int]ChangeHandler
	nextID   int

	// Unsupported makes full (non-reduced) watches fail with ErrUnsupportedQuery.
	Unsupported bool
}

// NewMemoryReplicator creates an empty replicator.
func NewMemoryReplicator() *MemoryReplicator {
	return &MemoryReplicator{
		states:   map[string]map[string]State{},
		watchers: map[string]map[int]ChangeHandler{},
	}
}

// SetState stores the state and notifies watchers.
func (r *MemoryReplicator) SetState(_ context.Context, meetingID, participantID string, s State) error {
	r.mu.Lock()
	if r.states[meetingID] == nil {
		r.states[meetingID] = map[string]State{}
	}
	r.states[meetingID][participantID] = s
	handlers := r.handlers(meetingID)
	r.mu.Unlock()

	for _, h := range handlers {
		h(participantID, s, false)
	}
	return nil
}

// DeleteState removes the state and notifies watchers.
func (r *MemoryReplicator) DeleteState(_ context.Context, meetingID, participantID string) error {
	r.mu.Lock()
	delete(r.states[meetingID], participantID)
	handlers := r.handlers(meetingID)
	r.mu.Unlock()

	for _, h := range handlers {
		h(participantID, State{}, true)
	}
	return nil
}

// Watch delivers a snapshot unless reduced, then changes until ctx is done.
func (r *MemoryReplicator) Watch(ctx context.Context, meetingID string, opts WatchOptions, h ChangeHandler) error {
	r.mu.Lock()
	if r.Unsupported && !opts.Reduced {
		r.mu.Unlock()
		return ErrUnsupportedQuery
	}
	snapshot := map[string]State{}
	if !opts.Reduced {
		for id, s := range r.states[meetingID] {
			snapshot[id] = s
		}
	}
	if r.watchers[meetingID] == nil {
		r.watchers[meetingID] = map[int]ChangeHandler{}
	}
	id := r.nextID
	r.nextID++
	r.watchers[meetingID][id] = h
	r.mu.Unlock()

	for participantID, s := range snapshot {
		h(participantID, s, false)
	}

	<-ctx.Done()

	r.mu.Lock()
	delete(r.watchers[meetingID], id)
	r.mu.Unlock()
	return ctx.Err()
}

// Get returns the stored state of a participant.
func (r *MemoryReplicator) Get(meetingID, participantID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[meetingID][participantID]
	return s, ok
}

// Watchers returns the number of active watches on a meeting.
func (r *MemoryReplicator) Watchers(meetingID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers[meetingID])
}

func (r *MemoryReplicator) handlers(meetingID string) []ChangeHandler {
	out := make([]ChangeHandler, 0, len(r.watchers[meetingID]))
	for _, h := range r.watchers[meetingID] {
		out = append(out, h)
	}
	return out
}
