package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"meshcall/types/message"
)

// Compile-time interface check.
var _ Channel = (*Hub)(nil)

// Hub is an in-process Channel. Participants sharing a Hub exchange signals
// without any network. Delivery happens on a goroutine per subscriber.
type Hub struct {
	mu       sync.Mutex
	boxes    map[string]*mailbox
	sent     []message.Signal
	failures int
	held     bool
}

type mailbox struct {
	pending []*entry
	stream  *Stream
	handler Handler
	notify  chan struct{}
}

type entry struct {
	msg       message.Signal
	delivered bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{boxes: map[string]*mailbox{}}
}

func mailboxKey(meetingID, participantID string) string {
	return meetingID + "/" + participantID
}

// Send stores the signal in the receiver's mailbox and wakes its subscriber.
func (h *Hub) Send(_ context.Context, msg message.Signal) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.Receiver, ErrNotSubscribed)
	}
	if msg.ID == "" {
		msg.ID = shortuuid.New()
	}
	h.sent = append(h.sent, msg)

	box := h.box(mailboxKey(msg.MeetingID, msg.Receiver))
	box.pending = append(box.pending, &entry{msg: msg})
	box.wake()
	return nil
}

// Subscribe starts delivering the mailbox of selfID. Unacknowledged signals
// from an earlier subscription are delivered again.
func (h *Hub) Subscribe(_ context.Context, meetingID, selfID string, handler Handler) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := mailboxKey(meetingID, selfID)
	box := h.box(key)
	if box.stream != nil {
		box.stream.Close(ErrSubscriptionClosed)
	}
	for _, e := range box.pending {
		e.delivered = false
	}

	notify := make(chan struct{}, 1)
	stream := NewStream(nil)
	box.stream = stream
	box.handler = handler
	box.notify = notify
	go h.deliver(key, stream, notify)
	box.wake()
	return stream, nil
}

// Ack removes signals from the mailbox.
func (h *Hub) Ack(_ context.Context, meetingID, selfID string, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	box := h.box(mailboxKey(meetingID, selfID))
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	kept := box.pending[:0]
	for _, e := range box.pending {
		if _, ok := acked[e.msg.ID]; !ok {
			kept = append(kept, e)
		}
	}
	box.pending = kept
	return nil
}

// FailSends makes the next n sends fail.
func (h *Hub) FailSends(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = n
}

// Hold stops delivery until Release is called. Sends are still accepted.
func (h *Hub) Hold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = true
}

// Release resumes delivery and flushes held signals.
func (h *Hub) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = false
	for _, box := range h.boxes {
		box.wake()
	}
}

// Disconnect ends the subscription of a participant as if the transport was lost.
func (h *Hub) Disconnect(meetingID, participantID string) {
	h.mu.Lock()
	box := h.box(mailboxKey(meetingID, participantID))
	stream := box.stream
	box.stream = nil
	h.mu.Unlock()
	if stream != nil {
		stream.Close(ErrSubscriptionClosed)
	}
}

// Sent returns every accepted signal in send order.
func (h *Hub) Sent() []message.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Signal(nil), h.sent...)
}

// Pending returns the number of unacknowledged signals for a participant.
func (h *Hub) Pending(meetingID, participantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.box(mailboxKey(meetingID, participantID)).pending)
}

func (h *Hub) box(key string) *mailbox {
	box, ok := h.boxes[key]
	if !ok {
		box = &mailbox{}
		h.boxes[key] = box
	}
	return box
}

func (b *mailbox) wake() {
	if b.notify == nil {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (h *Hub) deliver(key string, stream *Stream, notify <-chan struct{}) {
	for {
		select {
		case <-stream.Done():
			return
		case <-notify:
		}

		h.mu.Lock()
		box := h.boxes[key]
		if h.held || box.stream != stream {
			h.mu.Unlock()
			continue
		}
		var batch []message.Signal
		for _, e := range box.pending {
			if !e.delivered {
				e.delivered = true
				batch = append(batch, e.msg)
			}
		}
		handler := box.handler
		h.mu.Unlock()

		if len(batch) > 0 {
			handler(batch)
		}
	}
}
