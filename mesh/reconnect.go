package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"

	"meshcall/media"
	"meshcall/types/message"
)

// SessionState is the state of the whole mesh session.
type SessionState int

// Session states.
const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDisconnected
	SessionFailed
	SessionLeft
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionFailed:
		return "failed"
	case SessionLeft:
		return "left"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

func (o *Orchestrator) setSessionState(s SessionState) {
	if o.sessionState == s {
		return
	}
	log.Printf("session state changed from %s to %s", o.sessionState, s)
	o.sessionState = s
	o.notify(func(c Callbacks) {
		if c.OnSessionStateChanged != nil {
			c.OnSessionStateChanged(s)
		}
	})
	if s == SessionDisconnected || s == SessionFailed {
		o.scheduleReconnect()
	}
}

// scheduleReconnect arms a single delayed reconnection attempt.
func (o *Orchestrator) scheduleReconnect() {
	if o.session == nil || o.reconnectTimer != nil || o.reconnecting {
		return
	}
	log.Printf("reconnecting to meeting %s in %s", o.session.meetingID, o.config.ReconnectBackoff)
	o.reconnectTimer = o.clock.AfterFunc(o.config.ReconnectBackoff, func() {
		o.events.push(o.beginReconnect)
	})
}

func (o *Orchestrator) beginReconnect() {
	o.reconnectTimer = nil
	if o.session == nil || o.reconnecting {
		return
	}
	if o.sessionState != SessionDisconnected && o.sessionState != SessionFailed {
		return
	}
	o.reconnecting = true
	o.setSessionState(SessionConnecting)
	o.metrics.IncrementSessionReconnects()

	s := o.session
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		err := o.reconnect(s.ctx, s.meetingID)
		o.events.push(func() { o.finishReconnect(s, err) })
	}()
}

func (o *Orchestrator) finishReconnect(s *session, err error) {
	o.reconnecting = false
	if o.session != s {
		return
	}
	if err != nil {
		log.Printf("failed to reconnect to meeting %s: %v", s.meetingID, err)
		o.setSessionState(SessionFailed)
		return
	}
	log.Printf("reconnected to meeting %s", s.meetingID)
	o.setSessionState(SessionConnected)
}

// reconnect rebuilds the mesh: it drops every link, reacquires local media
// if it stopped, resubscribes, broadcasts a reconnect request and connects
// to the current roster.
func (o *Orchestrator) reconnect(ctx context.Context, meetingID string) error {
	var handle media.Handle
	if err := o.call(ctx, func() error {
		if err := o.checkSession(meetingID); err != nil {
			return err
		}
		o.destroyLinks()
		o.unsubscribe()
		handle = o.media
		return nil
	}); err != nil {
		return err
	}

	if handle == nil || !handle.Valid() {
		next, err := o.provider.Acquire(ctx, o.config.Media)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		if err := o.call(ctx, func() error {
			if err := o.checkSession(meetingID); err != nil {
				return err
			}
			o.replaceMedia(next)
			return nil
		}); err != nil {
			if cerr := next.Close(); cerr != nil {
				log.Printf("failed to release media: %v", cerr)
			}
			return err
		}
	}

	if err := o.subscribe(ctx, meetingID); err != nil {
		return err
	}

	members, err := o.roster.Members(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("failed to read roster of meeting %s: %w", meetingID, err)
	}

	var broadcasts []<-chan error
	if err := o.call(ctx, func() error {
		if err := o.checkSession(meetingID); err != nil {
			return err
		}
		for _, id := range members {
			if id == o.config.SelfID {
				continue
			}
			broadcasts = append(broadcasts, o.enqueue(id, message.RECONNECT, message.Reconnect{Reason: "session reconnect"}))
		}
		return nil
	}); err != nil {
		return err
	}
	var errs []error
	for _, result := range broadcasts {
		select {
		case err := <-result:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	return o.Connect(ctx, meetingID, members)
}
