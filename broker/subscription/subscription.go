// Package subscription provides a single subscriber queue.
package subscription

import "sync"

// Subscription receives notifications. Send never blocks: when the queue is
// full the message is dropped, so messages are wake-ups rather than data.
type Subscription struct {
	queue chan any
	done  chan struct{}
	once  sync.Once
}

// New creates a Subscription.
func New() *Subscription {
	return &Subscription{
		queue: make(chan any, 1),
		done:  make(chan struct{}),
	}
}

// Send queues a message unless the queue is full or the subscription is closed.
func (s *Subscription) Send(message any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- message:
	default:
	}
}

// Receive returns the queue of messages.
func (s *Subscription) Receive() <-chan any {
	return s.queue
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close closes the subscription. Closing twice has no effect.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}
