// Package broker provides in-process publish/subscribe between relay connections.
package broker

import (
	"errors"
	"fmt"
	"sync"

	"meshcall/broker/channel"
	"meshcall/broker/subscription"
)

// Topic groups messages by kind.
type Topic int

// Topics
const (
	// Mailbox is published when a signal was stored for a participant.
	Mailbox Topic = iota

	// Session is published when a participant activated a new connection.
	Session
)

// Detail narrows a topic, usually to one participant of one meeting.
type Detail string

// ErrSubscriptionNotFound is returned when unsubscribing an unknown subscription.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ParticipantDetail returns the detail addressing a participant of a meeting.
func ParticipantDetail(meetingID, participantID string) Detail {
	return Detail(meetingID + "/" + participantID)
}

// Broker fans messages out to the subscribers of a topic and detail.
type Broker struct {
	mu       sync.RWMutex
	channels map[Topic]map[Detail]*channel.Channel
}

// New creates a new instance of Broker.
func New() *Broker {
	return &Broker{
		channels: map[Topic]map[Detail]*channel.Channel{},
	}
}

// Publish sends msg to every subscriber of the topic and detail. Publishing
// without subscribers is not an error.
func (b *Broker) Publish(topic Topic, detail Detail, msg any) error {
	b.mu.RLock()
	ch, ok := b.channels[topic][detail]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	ch.SendAll(msg)
	return nil
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe(topic Topic, detail Detail) *subscription.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	details, ok := b.channels[topic]
	if !ok {
		details = map[Detail]*channel.Channel{}
		b.channels[topic] = details
	}
	ch, ok := details[detail]
	if !ok {
		ch = channel.New()
		details[detail] = ch
	}
	sub := subscription.New()
	ch.AddSubscription(sub)
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(topic Topic, detail Detail, sub *subscription.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[topic][detail]
	if !ok || !ch.RemoveSubscription(sub) {
		return fmt.Errorf("topic %d detail %s: %w", topic, detail, ErrSubscriptionNotFound)
	}
	if ch.Len() == 0 {
		delete(b.channels[topic], detail)
	}
	return nil
}
