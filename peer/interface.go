// Package peer wraps the platform peer-connection primitive behind a small capability set.
package peer

import "github.com/pion/webrtc/v4"

// RemoteTrack is a track received from a remote participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Handlers receives the primitive's events. Handlers may be called from any
// goroutine and must not block.
type Handlers struct {
	OnICEStateChange func(state webrtc.ICEConnectionState)
	OnCandidate      func(candidate webrtc.ICECandidateInit)
	OnTrack          func(track RemoteTrack)
}

// Connection is one peer connection to a remote participant.
type Connection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState

	// SetTracks attaches tracks to the connection. Tracks whose kind already
	// has a sender replace the sender's track; it reports whether a new
	// sender was added, which requires renegotiation.
	SetTracks(tracks []webrtc.TrackLocal) (added bool, err error)

	Close() error
}

// Factory creates connections.
type Factory interface {
	New(config webrtc.Configuration, h Handlers) (Connection, error)
}
