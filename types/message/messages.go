// Package message provides data types for signaling messages exchanged between participants.
package message

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the kind of a signaling message.
type Type string

// Signal types.
const (
	OFFER     Type = "offer"
	ANSWER    Type = "answer"
	CANDIDATE Type = "candidate"
	RECONNECT Type = "reconnect"
)

var (
	// ErrInvalidSignal is returned when a signal is missing required fields.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Signal is an addressed, typed message between two participants of a meeting.
//
// Epoch identifies the sender's orchestrator lifetime and Sequence increases
// monotonically within an epoch, so receivers can restore send order within
// a batch and drop redelivered duplicates.
type Signal struct {
	ID        string `json:"id"`
	MeetingID string `json:"meeting_id"`
	Type      Type   `json:"type"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Epoch     string `json:"epoch"`
	Sequence  uint64 `json:"sequence"`
	Payload   []byte `json:"payload,omitempty"`
}

// Validate checks that the signal is addressable.
func (s Signal) Validate() error {
	if s.MeetingID == "" || s.Sender == "" || s.Receiver == "" {
		return fmt.Errorf("meeting, sender and receiver are required: %w", ErrInvalidSignal)
	}
	switch s.Type {
	case OFFER, ANSWER, CANDIDATE, RECONNECT:
	default:
		return fmt.Errorf("unknown type %q: %w", s.Type, ErrInvalidSignal)
	}
	return nil
}

// Description is the payload of OFFER and ANSWER signals.
//
// Renegotiate marks an offer for an already negotiated connection. An offer
// without it always starts a fresh connection on the receiving side.
//
// Offer identifies an offer. An answer carries the Offer of the offer it
// answers.
type Description struct {
	SDP         string `json:"sdp"`
	Offer       string `json:"offer,omitempty"`
	ICERestart  bool   `json:"ice_restart,omitempty"`
	Renegotiate bool   `json:"renegotiate,omitempty"`
}

// SessionDescription converts the payload for the given signal type.
func (d Description) SessionDescription(t Type) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if t == ANSWER {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}
}

// Reconnect is the payload of RECONNECT signals.
type Reconnect struct {
	// Reason is informational only.
	Reason string `json:"reason,omitempty"`
}

// Candidate is the payload of CANDIDATE signals.
type Candidate = webrtc.ICECandidateInit
