package mesh

import (
	"log"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pion/webrtc/v4"

	"meshcall/types/message"
)

type offerKind int

const (
	initialOffer offerKind = iota
	restartOffer
	renegotiationOffer
)

func (k offerKind) String() string {
	switch k {
	case restartOffer:
		return "restart"
	case renegotiationOffer:
		return "renegotiation"
	default:
		return "initial"
	}
}

// initiate creates, applies and sends an offer. It returns nil without
// offering when the link is already negotiating.
func (o *Orchestrator) initiate(l *link, kind offerKind) <-chan error {
	if s := l.conn.SignalingState(); s != webrtc.SignalingStateStable {
		log.Printf("skip %s offer to %s: signaling state is %s", kind, l.participantID, s)
		return nil
	}

	offer, err := l.conn.CreateOffer(kind == restartOffer)
	if err != nil {
		log.Printf("failed to create %s offer for %s: %v", kind, l.participantID, err)
		return failed(err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		log.Printf("failed to set local offer for %s: %v", l.participantID, err)
		return failed(err)
	}
	if l.state == StateNew {
		l.state = StateNegotiating
	}
	if kind == restartOffer {
		o.metrics.IncrementICERestarts()
	}
	l.offer = shortuuid.New()

	return o.enqueue(l.participantID, message.OFFER, message.Description{
		SDP:         offer.SDP,
		Offer:       l.offer,
		ICERestart:  kind == restartOffer,
		Renegotiate: kind != initialOffer,
	})
}

func failed(err error) <-chan error {
	result := make(chan error, 1)
	result <- err
	return result
}

// onOffer answers a remote offer. On collision the participant with the
// greater identifier rolls back its own offer and answers, the lesser one
// ignores the remote offer and waits for its answer.
func (o *Orchestrator) onOffer(msg message.Signal) {
	desc, err := msg.DecodeDescription()
	if err != nil {
		log.Printf("error occurs in decoding offer from %s: %v", msg.Sender, err)
		return
	}
	participantID := msg.Sender

	l, ok := o.links[participantID]
	switch {
	case !ok || !l.state.alive():
		if l, err = o.createLink(participantID); err != nil {
			log.Printf("failed to accept offer from %s: %v", participantID, err)
			return
		}
	case !desc.Renegotiate && l.conn.RemoteDescription() != nil:
		// the remote side started over with a new connection
		log.Printf("fresh offer from %s, replacing connection", participantID)
		if l, err = o.createLink(participantID); err != nil {
			log.Printf("failed to accept offer from %s: %v", participantID, err)
			return
		}
	}

	if l.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if o.config.SelfID < participantID {
			log.Printf("ignore colliding offer from %s, awaiting answer", participantID)
			return
		}
		log.Printf("offer collision with %s, rolling back local offer", participantID)
		if err := l.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Printf("failed to roll back offer to %s: %v", participantID, err)
			return
		}
		l.offer = ""
	}

	if err := l.conn.SetRemoteDescription(desc.SessionDescription(message.OFFER)); err != nil {
		log.Printf("failed to set remote offer from %s: %v", participantID, err)
		return
	}
	o.drainCandidates(l)

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		log.Printf("failed to create answer for %s: %v", participantID, err)
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		log.Printf("failed to set local answer for %s: %v", participantID, err)
		return
	}
	if l.state == StateNew {
		l.state = StateNegotiating
	}
	o.enqueue(participantID, message.ANSWER, message.Description{SDP: answer.SDP, Offer: desc.Offer})
}

// onAnswer applies an answer to the pending local offer. Answers arriving
// without a pending offer, or answering an offer the link did not send, are
// stale and dropped.
func (o *Orchestrator) onAnswer(msg message.Signal) {
	desc, err := msg.DecodeDescription()
	if err != nil {
		log.Printf("error occurs in decoding answer from %s: %v", msg.Sender, err)
		return
	}
	l, ok := o.links[msg.Sender]
	if !ok || l.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer || l.offer != desc.Offer {
		log.Printf("drop stale answer from %s", msg.Sender)
		o.metrics.IncrementStaleSignals()
		return
	}
	if err := l.conn.SetRemoteDescription(desc.SessionDescription(message.ANSWER)); err != nil {
		log.Printf("failed to set remote answer from %s: %v", msg.Sender, err)
		return
	}
	l.offer = ""
	o.drainCandidates(l)
}

// onReconnect replaces the link to the sender with a fresh one. The lesser
// participant offers, the greater one waits for that offer.
func (o *Orchestrator) onReconnect(msg message.Signal) {
	participantID := msg.Sender
	log.Printf("%s requested a reconnect", participantID)

	o.candidates.discard(participantID)
	l, err := o.createLink(participantID)
	if err != nil {
		log.Printf("failed to recreate connection to %s: %v", participantID, err)
		return
	}
	if o.config.SelfID < participantID {
		o.initiate(l, initialOffer)
	}
}

func (o *Orchestrator) sendCandidate(participantID string, generation uint64, c webrtc.ICECandidateInit) {
	if o.lookup(participantID, generation) == nil {
		return
	}
	o.enqueue(participantID, message.CANDIDATE, c)
}
