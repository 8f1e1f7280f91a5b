// Package client implements signal.Channel over the relay websocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"meshcall/pkg/socket"
	"meshcall/signal"
	"meshcall/types/message"
	"meshcall/types/request"
	"meshcall/types/response"
)

// Compile-time interface check.
var _ signal.Channel = (*Channel)(nil)

// ErrRejected is returned when the relay refuses a request.
var ErrRejected = errors.New("rejected by relay")

// TokenSource returns the token admitting a participant to a meeting.
type TokenSource func(meetingID, participantID string) (string, error)

// StaticToken returns a TokenSource that always returns token.
func StaticToken(token string) TokenSource {
	return func(string, string) (string, error) { return token, nil }
}

// Channel talks to a relay. Each subscription owns one websocket; sends and
// acknowledgements travel on the websocket of the sending participant.
type Channel struct {
	url    string
	tokens TokenSource

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	sock   socket.Socket
	stream *signal.Stream

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan string
	closed  bool
}

// New creates a Channel for the relay websocket at url, e.g. ws://host:7070/ws.
func New(url string, tokens TokenSource) *Channel {
	return &Channel{
		url:    url,
		tokens: tokens,
		conns:  map[string]*conn{},
	}
}

func connKey(meetingID, participantID string) string {
	return meetingID + "/" + participantID
}

// Subscribe dials the relay and delivers the mailbox of selfID to h. A
// previous subscription of the same participant is closed.
func (c *Channel) Subscribe(ctx context.Context, meetingID, selfID string, h signal.Handler) (signal.Subscription, error) {
	token, err := c.tokens(meetingID, selfID)
	if err != nil {
		return nil, fmt.Errorf("failed to get token for %s: %w", selfID, err)
	}
	sock, err := socket.Dial(ctx, c.url, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		return nil, err
	}

	var frame response.Common
	if err := sock.ReadJSON(&frame); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to read activation response: %w", err)
	}
	var activate response.Activate
	if frame.Type != response.ACTIVATE {
		_ = sock.Close()
		return nil, fmt.Errorf("expected type '%s', got '%s'", response.ACTIVATE, frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, &activate); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to unmarshal activation payload: %w", err)
	}
	if activate.MeetingID != meetingID || activate.ParticipantID != selfID {
		_ = sock.Close()
		return nil, fmt.Errorf("token admits %s to %s, not %s to %s: %w",
			activate.ParticipantID, activate.MeetingID, selfID, meetingID, ErrRejected)
	}

	cn := &conn{
		sock:    sock,
		pending: map[uint64]chan string{},
	}
	key := connKey(meetingID, selfID)
	cn.stream = signal.NewStream(func() {
		_ = sock.Close()
		c.mu.Lock()
		if c.conns[key] == cn {
			delete(c.conns, key)
		}
		c.mu.Unlock()
	})

	c.mu.Lock()
	prev := c.conns[key]
	c.conns[key] = cn
	c.mu.Unlock()
	if prev != nil {
		prev.stream.Close(signal.ErrSubscriptionClosed)
	}

	go c.receive(cn, h)
	return cn.stream, nil
}

// receive reads frames until the websocket fails.
func (c *Channel) receive(cn *conn, h signal.Handler) {
	defer cn.failPending()
	for {
		var frame response.Common
		if err := cn.sock.ReadJSON(&frame); err != nil {
			cn.stream.Close(fmt.Errorf("%w: %w", signal.ErrSubscriptionClosed, err))
			return
		}

		switch frame.Type {
		case response.RESULT:
			var result response.Result
			if err := json.Unmarshal(frame.Payload, &result); err != nil {
				log.Printf("failed to unmarshal result: %v", err)
				continue
			}
			cn.resolve(result)
		case response.SIGNALS:
			var payload response.Signals
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				log.Printf("failed to unmarshal signals: %v", err)
				continue
			}
			h(payload.Signals)
		default:
			log.Printf("invalid response type: %s", frame.Type)
		}
	}
}

func (cn *conn) resolve(result response.Result) {
	cn.mu.Lock()
	ch, ok := cn.pending[result.RequestID]
	delete(cn.pending, result.RequestID)
	cn.mu.Unlock()
	if ok {
		ch <- result.Error
	}
}

func (cn *conn) failPending() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.closed = true
	for id, ch := range cn.pending {
		close(ch)
		delete(cn.pending, id)
	}
}

// Send asks the relay to store msg in the mailbox of its receiver.
func (c *Channel) Send(ctx context.Context, msg message.Signal) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.request(ctx, msg.MeetingID, msg.Sender, request.SEND, msg)
}

// Ack removes delivered signals from the mailbox of selfID.
func (c *Channel) Ack(ctx context.Context, meetingID, selfID string, ids []string) error {
	return c.request(ctx, meetingID, selfID, request.ACK, request.Ack{IDs: ids})
}

func (c *Channel) request(ctx context.Context, meetingID, participantID, typ string, payload any) error {
	c.mu.Lock()
	cn, ok := c.conns[connKey(meetingID, participantID)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s in meeting %s: %w", participantID, meetingID, signal.ErrNotSubscribed)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	result := make(chan string, 1)
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return fmt.Errorf("%s request: %w", typ, signal.ErrSubscriptionClosed)
	}
	cn.nextID++
	id := cn.nextID
	cn.pending[id] = result
	cn.mu.Unlock()

	if err := cn.sock.WriteJSON(request.Common{RequestID: id, Type: typ, Payload: data}); err != nil {
		cn.mu.Lock()
		delete(cn.pending, id)
		cn.mu.Unlock()
		return fmt.Errorf("failed to send %s request: %w", typ, err)
	}

	select {
	case text, ok := <-result:
		if !ok {
			return fmt.Errorf("%s request: %w", typ, signal.ErrSubscriptionClosed)
		}
		if text != "" {
			return fmt.Errorf("%s request: %s: %w", typ, text, ErrRejected)
		}
		return nil
	case <-ctx.Done():
		cn.mu.Lock()
		delete(cn.pending, id)
		cn.mu.Unlock()
		return ctx.Err()
	}
}
