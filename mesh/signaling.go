package mesh

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"meshcall/pkg/retry"
	"meshcall/types/message"
)

const ackTimeout = 5 * time.Second

type outgoing struct {
	msg    message.Signal
	result chan error
}

// outbox sends the signals for one participant in creation order.
type outbox struct {
	participantID string

	mu     sync.Mutex
	items  []outgoing
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *outbox) push(item outgoing) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *outbox) take() []outgoing {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (b *outbox) run(send func(ctx context.Context, msg message.Signal) error) {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			for _, item := range b.take() {
				item.result <- fmt.Errorf("%s to %s: %w", item.msg.Type, b.participantID, ErrClosed)
			}
			return
		case <-b.notify:
		}

		for _, item := range b.take() {
			if err := send(b.ctx, item.msg); err != nil {
				if b.ctx.Err() == nil {
					log.Printf("failed to send %s to %s: %v", item.msg.Type, b.participantID, err)
				}
				item.result <- fmt.Errorf("%w: %s to %s: %w", ErrSendFailed, item.msg.Type, b.participantID, err)
				continue
			}
			item.result <- nil
		}
	}
}

func (o *Orchestrator) outboxFor(participantID string) *outbox {
	if b, ok := o.outboxes[participantID]; ok {
		return b
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &outbox{
		participantID: participantID,
		notify:        make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	o.outboxes[participantID] = b
	go b.run(o.send)
	return b
}

func (o *Orchestrator) send(ctx context.Context, msg message.Signal) error {
	return retry.Do(ctx, o.clock, o.sendPolicy, func(ctx context.Context) error {
		return o.channel.Send(ctx, msg)
	})
}

// enqueue stamps a signal with the local epoch and next sequence number and
// hands it to the participant's outbox. The returned channel receives the
// delivery result.
func (o *Orchestrator) enqueue(participantID string, t message.Type, payload any) <-chan error {
	result := make(chan error, 1)
	if o.session == nil {
		result <- ErrNotJoined
		return result
	}
	msg, err := message.Encode(t, payload)
	if err != nil {
		result <- err
		return result
	}
	o.sequence++
	msg.MeetingID = o.session.meetingID
	msg.Sender = o.config.SelfID
	msg.Receiver = participantID
	msg.Epoch = o.epoch
	msg.Sequence = o.sequence

	o.outboxFor(participantID).push(outgoing{msg: msg, result: result})
	return result
}

// stopOutbox cancels the outbox of a participant. Queued signals fail with
// ErrClosed and Cleanup waits for its goroutine to exit.
func (o *Orchestrator) stopOutbox(participantID string) {
	b, ok := o.outboxes[participantID]
	if !ok {
		return
	}
	delete(o.outboxes, participantID)
	b.cancel()
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		<-b.done
	}()
}

// stopOutboxes cancels every outbox and returns channels closed once their
// goroutines have exited.
func (o *Orchestrator) stopOutboxes() []<-chan struct{} {
	done := make([]<-chan struct{}, 0, len(o.outboxes))
	for id, b := range o.outboxes {
		b.cancel()
		done = append(done, b.done)
		delete(o.outboxes, id)
	}
	return done
}

type cursor struct {
	epoch    string
	sequence uint64
}

// dispatch processes a delivered batch in per-sender send order, drops
// duplicates and acknowledges every signal it consumed.
func (o *Orchestrator) dispatch(batch []message.Signal) {
	if o.session == nil {
		return
	}

	ordered := orderBatch(batch)
	ids := make([]string, 0, len(ordered))
	for _, msg := range ordered {
		ids = append(ids, msg.ID)
		if msg.MeetingID != o.session.meetingID || msg.Receiver != o.config.SelfID {
			log.Printf("drop misaddressed %s from %s to %s in meeting %s", msg.Type, msg.Sender, msg.Receiver, msg.MeetingID)
			continue
		}
		if o.duplicate(msg) {
			log.Printf("drop duplicate %s from %s (sequence %d)", msg.Type, msg.Sender, msg.Sequence)
			o.metrics.IncrementStaleSignals()
			continue
		}
		o.handleSignal(msg)
	}
	o.ack(ids)
}

// orderBatch sorts by sender, then by the first appearance of the sender's
// epoch, then by sequence.
func orderBatch(batch []message.Signal) []message.Signal {
	type epochKey struct{ sender, epoch string }
	rank := map[epochKey]int{}
	for _, msg := range batch {
		key := epochKey{msg.Sender, msg.Epoch}
		if _, ok := rank[key]; !ok {
			rank[key] = len(rank)
		}
	}

	ordered := append([]message.Signal(nil), batch...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		ra, rb := rank[epochKey{a.Sender, a.Epoch}], rank[epochKey{b.Sender, b.Epoch}]
		if ra != rb {
			return ra < rb
		}
		return a.Sequence < b.Sequence
	})
	return ordered
}

// duplicate reports whether msg was already processed and advances the
// sender's cursor otherwise. Signals without an epoch are never duplicates.
func (o *Orchestrator) duplicate(msg message.Signal) bool {
	if msg.Epoch == "" {
		return false
	}
	c, ok := o.cursors[msg.Sender]
	if ok && c.epoch == msg.Epoch && msg.Sequence <= c.sequence {
		return true
	}
	o.cursors[msg.Sender] = cursor{epoch: msg.Epoch, sequence: msg.Sequence}
	return false
}

func (o *Orchestrator) ack(ids []string) {
	if len(ids) == 0 {
		return
	}
	meetingID := o.session.meetingID
	ctx := o.session.ctx
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(ctx, ackTimeout)
		defer cancel()
		if err := o.channel.Ack(ctx, meetingID, o.config.SelfID, ids); err != nil {
			log.Printf("failed to ack %d signals: %v", len(ids), err)
		}
	}()
}

func (o *Orchestrator) handleSignal(msg message.Signal) {
	switch msg.Type {
	case message.OFFER:
		o.onOffer(msg)
	case message.ANSWER:
		o.onAnswer(msg)
	case message.CANDIDATE:
		c, err := msg.DecodeCandidate()
		if err != nil {
			log.Printf("error occurs in decoding candidate from %s: %v", msg.Sender, err)
			return
		}
		o.offerCandidate(msg.Sender, c)
	case message.RECONNECT:
		o.onReconnect(msg)
	default:
		log.Printf("drop unknown signal type %q from %s", msg.Type, msg.Sender)
	}
}
