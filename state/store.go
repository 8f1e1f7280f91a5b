package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"meshcall/pkg/clock"
)

// ErrInvalidParticipant is returned when a participant ID is empty.
var ErrInvalidParticipant = errors.New("invalid participant")

// Observer is notified of every change to a remote participant's state.
type Observer func(participantID string, s State)

// RemoveObserver is notified when a remote participant's state is dropped.
type RemoveObserver func(participantID string)

// Store holds the local participant's state and a cached copy of every
// remote participant's state. Local changes are published through the
// Replicator, remote changes arrive through Watch.
type Store struct {
	config     Config
	clock      clock.Clock
	replicator Replicator
	meetingID  string
	selfID     string

	// publish orders writes of the local state to the replicator.
	publish sync.Mutex

	mu        sync.Mutex
	local     State
	remote    map[string]State
	expiry    *clock.Timer
	observers []Observer
	removals  []RemoveObserver
}

// NewStore creates a store for selfID in the meeting.
func NewStore(config Config, clk clock.Clock, replicator Replicator, meetingID, selfID string) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if meetingID == "" || selfID == "" {
		return nil, fmt.Errorf("meeting %q participant %q: %w", meetingID, selfID, ErrInvalidParticipant)
	}
	return &Store{
		config:     config,
		clock:      clk,
		replicator: replicator,
		meetingID:  meetingID,
		selfID:     selfID,
		remote:     map[string]State{},
	}, nil
}

// OnChange registers an observer for remote state changes.
func (s *Store) OnChange(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// OnRemove registers an observer for dropped remote states.
func (s *Store) OnRemove(o RemoveObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, o)
}

// SetLocal merges u into the local state, stamps it and publishes it.
// A non-empty reaction gets a fresh token and is cleared after ReactionTTL
// unless a newer reaction replaced it first.
func (s *Store) SetLocal(ctx context.Context, u Update) (State, error) {
	s.publish.Lock()
	defer s.publish.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	next := s.local
	if u.Audio != nil {
		next.Media.Audio = *u.Audio
	}
	if u.Video != nil {
		next.Media.Video = *u.Video
	}
	if u.Screen != nil {
		next.Media.Screen = *u.Screen
	}
	if u.HandRaised != nil {
		next.HandRaised = *u.HandRaised
	}
	if u.Reaction != nil {
		s.expiry.Stop()
		s.expiry = nil
		if *u.Reaction == "" {
			next.clearReaction()
		} else {
			token := shortuuid.New()
			next.Reaction = *u.Reaction
			next.ReactionToken = token
			next.ReactionExpiry = now.Add(s.config.ReactionTTL)
			s.expiry = s.clock.AfterFunc(s.config.ReactionTTL, func() {
				s.expireReaction(token)
			})
		}
	}
	next.LastUpdated = now
	s.local = next
	s.mu.Unlock()

	if err := s.replicator.SetState(ctx, s.meetingID, s.selfID, next); err != nil {
		return next, fmt.Errorf("failed to publish state of %s: %w", s.selfID, err)
	}
	return next, nil
}

func (s *Store) expireReaction(token string) {
	s.publish.Lock()
	defer s.publish.Unlock()

	s.mu.Lock()
	if s.local.ReactionToken != token {
		// a newer reaction superseded this one
		s.mu.Unlock()
		return
	}
	s.local.clearReaction()
	s.local.LastUpdated = s.clock.Now()
	s.expiry = nil
	next := s.local
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.replicator.SetState(ctx, s.meetingID, s.selfID, next); err != nil {
		log.Printf("failed to publish cleared reaction of %s: %v", s.selfID, err)
	}
}

// Local returns the local state.
func (s *Store) Local() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Get returns the cached state of a remote participant with expired
// reactions masked.
func (s *Store) Get(participantID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.remote[participantID]
	if !ok {
		return State{}, false
	}
	return st.Active(s.clock.Now()), true
}

// Participants returns the remote participants with a known state, sorted.
func (s *Store) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remote))
	for id := range s.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyRemote replaces the cached state of a remote participant, registering
// it if unknown. Updates older than the cached copy are dropped.
func (s *Store) ApplyRemote(participantID string, st State) {
	if participantID == "" || participantID == s.selfID {
		return
	}
	s.mu.Lock()
	if cached, ok := s.remote[participantID]; ok && st.LastUpdated.Before(cached.LastUpdated) {
		s.mu.Unlock()
		return
	}
	s.remote[participantID] = st
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(participantID, st)
	}
}

// Remove drops the cached state of a participant that left and reports
// whether there was one. Removal observers are notified only then.
func (s *Store) Remove(participantID string) bool {
	s.mu.Lock()
	if _, ok := s.remote[participantID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.remote, participantID)
	removals := append([]RemoveObserver(nil), s.removals...)
	s.mu.Unlock()

	for _, o := range removals {
		o(participantID)
	}
	return true
}

// Watch keeps the remote cache in sync until ctx is done. When the backing
// store rejects the full query, it retries after RewatchDelay with a reduced
// query that only streams changes.
func (s *Store) Watch(ctx context.Context) {
	opts := WatchOptions{}
	for {
		err := s.replicator.Watch(ctx, s.meetingID, opts, s.apply)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnsupportedQuery) && !opts.Reduced {
			log.Printf("state watch of meeting %s rejected: %v, falling back to change stream", s.meetingID, err)
			opts.Reduced = true
		} else {
			log.Printf("error occurs in state watch of meeting %s: %v", s.meetingID, err)
		}

		wait := make(chan struct{})
		timer := s.clock.AfterFunc(s.config.RewatchDelay, func() { close(wait) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wait:
		}
	}
}

func (s *Store) apply(participantID string, st State, deleted bool) {
	if deleted {
		s.Remove(participantID)
		return
	}
	s.ApplyRemote(participantID, st)
}

// Clear stops the reaction timer and deletes the local state from the
// replicated store.
func (s *Store) Clear(ctx context.Context) error {
	s.publish.Lock()
	defer s.publish.Unlock()

	s.mu.Lock()
	s.expiry.Stop()
	s.expiry = nil
	s.local = State{}
	s.mu.Unlock()

	if err := s.replicator.DeleteState(ctx, s.meetingID, s.selfID); err != nil {
		return fmt.Errorf("failed to delete state of %s: %w", s.selfID, err)
	}
	return nil
}
