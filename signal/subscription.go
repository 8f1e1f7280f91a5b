package signal

import "sync"

// Stream is a Subscription implementation shared by channel implementations.
type Stream struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	cancel func()
}

// NewStream creates a Stream. cancel is called once when the stream ends.
func NewStream(cancel func()) *Stream {
	return &Stream{done: make(chan struct{}), cancel: cancel}
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the reason the stream ended.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the stream without an error.
func (s *Stream) Unsubscribe() { s.Close(nil) }

// Close ends the stream with err. Only the first call has an effect.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}
