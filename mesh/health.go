package mesh

import (
	"log"
	"sort"

	"github.com/pion/webrtc/v4"

	"meshcall/types/message"
)

// armChecking (re)starts the timer bounding how long a link may take to
// reach connected. It is not armed while a restart is being verified.
func (o *Orchestrator) armChecking(l *link) {
	if l.verifyTimer != nil {
		return
	}
	l.checkingTimer.Stop()
	participantID, generation := l.participantID, l.generation
	l.checkingTimer = o.clock.AfterFunc(o.config.CheckingTimeout, func() {
		o.events.push(func() { o.checkingExpired(participantID, generation) })
	})
}

func (o *Orchestrator) handleICEState(participantID string, generation uint64, s webrtc.ICEConnectionState) {
	l := o.lookup(participantID, generation)
	if l == nil {
		return
	}
	o.applyICEState(l, s)
}

func (o *Orchestrator) applyICEState(l *link, s webrtc.ICEConnectionState) {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		if l.state == StateChecking {
			return
		}
		l.state = StateChecking
		o.armChecking(l)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		l.stopTimers()
		if l.state != StateConnected {
			log.Printf("connected to %s", l.participantID)
		}
		l.state = StateConnected
		delete(o.resets, l.participantID)
	case webrtc.ICEConnectionStateDisconnected:
		if l.state == StateDisconnected {
			return
		}
		log.Printf("connection to %s disconnected", l.participantID)
		l.state = StateDisconnected
		l.checkingTimer.Stop()
		l.checkingTimer = nil
		o.restart(l)
	case webrtc.ICEConnectionStateFailed:
		if l.state == StateFailed {
			return
		}
		log.Printf("connection to %s failed", l.participantID)
		l.state = StateFailed
		o.reset(l)
	}
}

func (o *Orchestrator) checkingExpired(participantID string, generation uint64) {
	l := o.lookup(participantID, generation)
	if l == nil {
		return
	}
	l.checkingTimer = nil
	switch l.state {
	case StateChecking:
		log.Printf("connection to %s still checking after %s", participantID, o.config.CheckingTimeout)
		o.restart(l)
	case StateNew, StateNegotiating:
		log.Printf("negotiation with %s did not finish within %s", participantID, o.config.CheckingTimeout)
		o.reset(l)
	}
}

// restart renegotiates with the ICE restart flag and arms the verification
// timer. Only the lesser participant sends the restart offer.
func (o *Orchestrator) restart(l *link) {
	if l.verifyTimer != nil {
		return
	}
	if o.config.SelfID < l.participantID {
		log.Printf("restarting ice with %s", l.participantID)
		o.initiate(l, restartOffer)
	} else {
		log.Printf("waiting for %s to restart ice", l.participantID)
	}

	participantID, generation := l.participantID, l.generation
	l.verifyTimer = o.clock.AfterFunc(o.config.RestartVerifyTimeout, func() {
		o.events.push(func() { o.restartExpired(participantID, generation) })
	})
}

func (o *Orchestrator) restartExpired(participantID string, generation uint64) {
	l := o.lookup(participantID, generation)
	if l == nil {
		return
	}
	l.verifyTimer = nil
	if l.state == StateConnected {
		return
	}
	log.Printf("ice restart with %s did not recover the connection", participantID)
	o.reset(l)
}

// reset replaces the link with a fresh connection. The lesser participant
// offers again, the greater one asks it to. After MaxResetAttempts resets
// without reaching connected the participant is reported disconnected.
func (o *Orchestrator) reset(l *link) {
	participantID := l.participantID
	o.resets[participantID]++
	o.candidates.discard(participantID)

	if o.resets[participantID] > o.config.MaxResetAttempts {
		log.Printf("giving up on %s after %d resets", participantID, o.config.MaxResetAttempts)
		delete(o.resets, participantID)
		o.destroyLink(participantID)
		o.notify(func(c Callbacks) {
			if c.OnParticipantDisconnected != nil {
				c.OnParticipantDisconnected(participantID)
			}
		})
		return
	}

	log.Printf("resetting connection to %s (attempt %d/%d)", participantID, o.resets[participantID], o.config.MaxResetAttempts)
	o.metrics.IncrementPeerResets()
	next, err := o.createLink(participantID)
	if err != nil {
		log.Printf("failed to reset connection to %s: %v", participantID, err)
		return
	}
	if o.config.SelfID < participantID {
		o.initiate(next, initialOffer)
		return
	}
	o.enqueue(participantID, message.RECONNECT, message.Reconnect{Reason: "reset"})
}

// sweep repairs links whose connection state changed without an event.
func (o *Orchestrator) sweep() {
	ids := make([]string, 0, len(o.links))
	for id := range o.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, ok := o.links[id]
		if !ok {
			continue
		}
		actual := l.conn.ICEConnectionState()
		var missed bool
		switch actual {
		case webrtc.ICEConnectionStateDisconnected:
			missed = l.state != StateDisconnected
		case webrtc.ICEConnectionStateFailed:
			missed = l.state != StateFailed
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			missed = l.state != StateConnected
		}
		if missed {
			log.Printf("sweep found %s in %s while tracked as %s", id, actual, l.state)
			o.applyICEState(l, actual)
		}
	}
}

func (o *Orchestrator) startSweep() func() {
	ticker := o.clock.NewTicker(o.config.SweepInterval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.events.push(o.sweep)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
	}
}
