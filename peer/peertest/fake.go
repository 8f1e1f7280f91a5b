// Package peertest provides an in-memory peer.Connection that models the
// signaling state machine without any network transport.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"meshcall/peer"
)

var (
	// ErrClosed is returned by every operation on a closed Fake.
	ErrClosed = errors.New("connection closed")

	// ErrWrongState is returned when an operation is invalid in the current signaling state.
	ErrWrongState = errors.New("invalid signaling state")

	// ErrNoRemoteDescription mirrors the primitive refusing candidates before a remote description.
	ErrNoRemoteDescription = errors.New("remote description not set")
)

// Fake is a deterministic peer.Connection.
type Fake struct {
	Label string

	mu          sync.Mutex
	handlers    peer.Handlers
	signaling   webrtc.SignalingState
	ice         webrtc.ICEConnectionState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      map[webrtc.RTPCodecType]webrtc.TrackLocal
	offers      []webrtc.SessionDescription
	restarts    int
	answers     int
	closed      bool
	autoConnect bool
}

// NewFake returns a Fake in the stable state.
func NewFake(label string, h peer.Handlers) *Fake {
	return &Fake{
		Label:     label,
		handlers:  h,
		signaling: webrtc.SignalingStateStable,
		ice:       webrtc.ICEConnectionStateNew,
		tracks:    map[webrtc.RTPCodecType]webrtc.TrackLocal{},
	}
}

// CreateOffer returns an offer whose SDP names the fake and the offer number.
func (f *Fake) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if iceRestart {
		f.restarts++
	}
	sdp := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer:%s:%d", f.Label, len(f.offers)+1),
	}
	f.offers = append(f.offers, sdp)
	return sdp, nil
}

// CreateAnswer returns an answer to the current remote offer.
func (f *Fake) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s: %w", f.signaling, ErrWrongState)
	}
	f.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer:%s:%d", f.Label, f.answers),
	}, nil
}

// SetLocalDescription applies an offer, answer or rollback.
func (f *Fake) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeRollback:
		if f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("rollback in %s: %w", f.signaling, ErrWrongState)
		}
		f.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable && f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("local offer in %s: %w", f.signaling, ErrWrongState)
		}
		f.signaling = webrtc.SignalingStateHaveLocalOffer
		f.local = &desc
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local answer in %s: %w", f.signaling, ErrWrongState)
		}
		f.signaling = webrtc.SignalingStateStable
		f.local = &desc
		f.maybeConnectLocked()
	default:
		return fmt.Errorf("unsupported local description %s: %w", desc.Type, ErrWrongState)
	}
	return nil
}

// SetRemoteDescription applies a remote offer or answer.
func (f *Fake) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in %s: %w", f.signaling, ErrWrongState)
		}
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s: %w", f.signaling, ErrWrongState)
		}
		f.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unsupported remote description %s: %w", desc.Type, ErrWrongState)
	}
	f.remote = &desc
	f.maybeConnectLocked()
	return nil
}

// AddICECandidate records the candidate once a remote description is set.
func (f *Fake) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.remote == nil {
		return ErrNoRemoteDescription
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

// RemoteDescription returns the applied remote description.
func (f *Fake) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// LocalDescription returns the applied local offer or answer.
func (f *Fake) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

// SignalingState returns the signaling state.
func (f *Fake) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

// ICEConnectionState returns the last state set by SetICEState.
func (f *Fake) ICEConnectionState() webrtc.ICEConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ice
}

// SetTracks records tracks by kind.
func (f *Fake) SetTracks(tracks []webrtc.TrackLocal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	added := false
	for _, t := range tracks {
		if _, ok := f.tracks[t.Kind()]; !ok {
			added = true
		}
		f.tracks[t.Kind()] = t
	}
	return added, nil
}

// Close marks the fake closed. Closing twice is not an error.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.ice = webrtc.ICEConnectionStateClosed
	return nil
}

// SetICEState changes the ICE state and delivers the event synchronously.
func (f *Fake) SetICEState(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	f.ice = state
	h := f.handlers.OnICEStateChange
	f.mu.Unlock()
	if h != nil {
		h(state)
	}
}

// SetICEStateSilently changes the ICE state without emitting an event,
// simulating a lost or coalesced notification.
func (f *Fake) SetICEStateSilently(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ice = state
}

// EmitCandidate delivers a locally gathered candidate.
func (f *Fake) EmitCandidate(candidate webrtc.ICECandidateInit) {
	if f.handlers.OnCandidate != nil {
		f.handlers.OnCandidate(candidate)
	}
}

// EmitTrack delivers a remote track.
func (f *Fake) EmitTrack(track peer.RemoteTrack) {
	if f.handlers.OnTrack != nil {
		f.handlers.OnTrack(track)
	}
}

// Candidates returns the applied remote candidates in order.
func (f *Fake) Candidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

// Offers returns every offer created.
func (f *Fake) Offers() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.offers...)
}

// Restarts returns the number of ICE restart offers created.
func (f *Fake) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Tracks returns the attached track for a kind.
func (f *Fake) Tracks() map[webrtc.RTPCodecType]webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(f.tracks))
	for k, v := range f.tracks {
		out[k] = v
	}
	return out
}

// maybeConnectLocked simulates ICE succeeding once negotiation completes.
func (f *Fake) maybeConnectLocked() {
	if !f.autoConnect || f.signaling != webrtc.SignalingStateStable || f.local == nil || f.remote == nil {
		return
	}
	if f.ice == webrtc.ICEConnectionStateConnected {
		return
	}
	f.ice = webrtc.ICEConnectionStateConnected
	h := f.handlers.OnICEStateChange
	if h == nil {
		return
	}
	go func() {
		h(webrtc.ICEConnectionStateChecking)
		h(webrtc.ICEConnectionStateConnected)
	}()
}
