// Package state keeps the replicated, ephemeral state of every participant in a meeting.
package state

import "time"

// MediaFlags are the participant's media toggles.
type MediaFlags struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// State is the replicated state of one participant. It is self-describing:
// any peer can rebuild it from the replication channel alone.
type State struct {
	Media      MediaFlags `json:"media"`
	HandRaised bool       `json:"hand_raised"`

	// Reaction is a transient indicator cleared after ReactionExpiry.
	// ReactionToken identifies the update that set it.
	Reaction       string    `json:"reaction,omitempty"`
	ReactionToken  string    `json:"reaction_token,omitempty"`
	ReactionExpiry time.Time `json:"reaction_expiry,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// Update is a partial change to the local state. Nil fields are unchanged.
type Update struct {
	Audio      *bool
	Video      *bool
	Screen     *bool
	HandRaised *bool

	// Reaction sets a transient reaction, an empty string clears it.
	Reaction *string
}

// Active returns the state with an expired reaction removed.
func (s State) Active(now time.Time) State {
	if s.Reaction != "" && !s.ReactionExpiry.IsZero() && !now.Before(s.ReactionExpiry) {
		s.Reaction = ""
		s.ReactionToken = ""
		s.ReactionExpiry = time.Time{}
	}
	return s
}

func (s *State) clearReaction() {
	s.Reaction = ""
	s.ReactionToken = ""
	s.ReactionExpiry = time.Time{}
}

// Bool returns a pointer to v, for building Updates.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, for building Updates.
func String(v string) *string { return &v }
