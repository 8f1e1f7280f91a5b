package mesh

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"meshcall/peer"
	"meshcall/pkg/clock"
)

// ConnectionState is the lifecycle state of a peer link.
type ConnectionState int

// Connection states. Closed is terminal.
const (
	StateNew ConnectionState = iota
	StateNegotiating
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// alive reports whether the link is usable or still being established.
func (s ConnectionState) alive() bool {
	return s != StateFailed && s != StateClosed
}

// link owns the single connection to one participant. generation changes
// every time the participant's link is replaced.
type link struct {
	participantID string
	generation    uint64
	conn          peer.Connection
	state         ConnectionState

	// offer identifies the local offer awaiting an answer.
	offer string

	checkingTimer *clock.Timer
	verifyTimer   *clock.Timer

	tracks map[string]peer.RemoteTrack
}

func (l *link) stopTimers() {
	l.checkingTimer.Stop()
	l.checkingTimer = nil
	l.verifyTimer.Stop()
	l.verifyTimer = nil
}

// lookup returns the link for participantID if it is still the given generation.
func (o *Orchestrator) lookup(participantID string, generation uint64) *link {
	l, ok := o.links[participantID]
	if !ok || l.generation != generation {
		return nil
	}
	return l
}

// createLink replaces any existing link for participantID with a fresh one
// carrying the local tracks. The link must reach connected within
// CheckingTimeout or it is reset.
func (o *Orchestrator) createLink(participantID string) (*link, error) {
	if _, ok := o.links[participantID]; ok {
		o.destroyLink(participantID)
	}

	o.generation++
	generation := o.generation
	conn, err := o.factory.New(webrtc.Configuration{ICEServers: o.config.ICEServers}, peer.Handlers{
		OnICEStateChange: func(s webrtc.ICEConnectionState) {
			o.events.push(func() { o.handleICEState(participantID, generation, s) })
		},
		OnCandidate: func(c webrtc.ICECandidateInit) {
			o.events.push(func() { o.sendCandidate(participantID, generation, c) })
		},
		OnTrack: func(t peer.RemoteTrack) {
			o.events.push(func() { o.handleTrack(participantID, generation, t) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", participantID, err)
	}

	if o.media != nil {
		if _, err := conn.SetTracks(o.media.Tracks()); err != nil {
			if cerr := conn.Close(); cerr != nil {
				log.Printf("failed to close connection to %s: %v", participantID, cerr)
			}
			return nil, fmt.Errorf("failed to attach local media for %s: %w", participantID, err)
		}
	}

	l := &link{
		participantID: participantID,
		generation:    generation,
		conn:          conn,
		state:         StateNew,
		tracks:        map[string]peer.RemoteTrack{},
	}
	o.links[participantID] = l
	o.armChecking(l)
	o.metrics.SetPeerLinks(len(o.links))
	return l, nil
}

// destroyLink closes and forgets the link. It is a no-op for unknown participants.
func (o *Orchestrator) destroyLink(participantID string) {
	l, ok := o.links[participantID]
	if !ok {
		return
	}
	delete(o.links, participantID)
	l.stopTimers()
	l.state = StateClosed
	if err := l.conn.Close(); err != nil {
		log.Printf("failed to close connection to %s: %v", participantID, err)
	}
	if len(l.tracks) > 0 {
		o.notify(func(c Callbacks) {
			if c.OnRemoteMediaRemoved != nil {
				c.OnRemoteMediaRemoved(participantID)
			}
		})
	}
	o.metrics.SetPeerLinks(len(o.links))
}

func (o *Orchestrator) handleTrack(participantID string, generation uint64, t peer.RemoteTrack) {
	l := o.lookup(participantID, generation)
	if l == nil {
		return
	}
	l.tracks[t.ID()] = t
	o.notify(func(c Callbacks) {
		if c.OnRemoteMedia != nil {
			c.OnRemoteMedia(participantID, t)
		}
	})
}
