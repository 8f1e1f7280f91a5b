package mesh

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote candidates per participant until the
// participant's link has a remote description.
type candidateBuffer struct {
	pending map[string][]webrtc.ICECandidateInit
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{pending: map[string][]webrtc.ICECandidateInit{}}
}

func (b *candidateBuffer) add(participantID string, c webrtc.ICECandidateInit) {
	b.pending[participantID] = append(b.pending[participantID], c)
}

// take removes and returns the queue in arrival order.
func (b *candidateBuffer) take(participantID string) []webrtc.ICECandidateInit {
	queued := b.pending[participantID]
	delete(b.pending, participantID)
	return queued
}

func (b *candidateBuffer) discard(participantID string) {
	delete(b.pending, participantID)
}

func (b *candidateBuffer) len(participantID string) int {
	return len(b.pending[participantID])
}

// offerCandidate applies a remote candidate, or buffers it when the link
// does not exist yet or has no remote description.
func (o *Orchestrator) offerCandidate(participantID string, c webrtc.ICECandidateInit) {
	l, ok := o.links[participantID]
	if !ok || l.conn.RemoteDescription() == nil {
		o.candidates.add(participantID, c)
		return
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		log.Printf("failed to add candidate from %s: %v", participantID, err)
	}
}

// drainCandidates applies buffered candidates once the remote description is
// set. A candidate that fails is logged and skipped.
func (o *Orchestrator) drainCandidates(l *link) {
	for _, c := range o.candidates.take(l.participantID) {
		if err := l.conn.AddICECandidate(c); err != nil {
			log.Printf("failed to add buffered candidate from %s: %v", l.participantID, err)
		}
	}
}
