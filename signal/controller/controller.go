// Package controller handles the relay websocket protocol.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"meshcall/broker"
	"meshcall/database"
	"meshcall/metric"
	"meshcall/pkg/clock"
	"meshcall/pkg/socket"
	"meshcall/types/message"
	"meshcall/types/request"
	"meshcall/types/response"
)

// Compile-time interface check.
var _ Processor = (*Controller)(nil)

// ErrForbidden is returned when a participant sends on behalf of someone else.
var ErrForbidden = errors.New("forbidden")

// Controller relays signals between websocket connections through the
// mailbox database. A participant has at most one live connection; a new one
// replaces the previous.
type Controller struct {
	broker   *broker.Broker
	database database.Database
	metric   *metric.Metrics
	clock    clock.Clock
}

// New creates a new instance of Controller.
func New(b *broker.Broker, db database.Database, m *metric.Metrics, clk clock.Clock) *Controller {
	return &Controller{
		broker:   b,
		database: db,
		metric:   m,
		clock:    clk,
	}
}

// Process serves the connection of a participant until it is closed or
// replaced by a newer connection. The socket is closed on return.
func (c *Controller) Process(ctx context.Context, sock socket.Socket, meetingID, participantID string) error {
	c.metric.IncrementWebSocketConnections()
	defer c.metric.DecrementWebSocketConnections()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		_ = sock.Close()
	}()

	detail := broker.ParticipantDetail(meetingID, participantID)

	// 01. Replace the previous connection of the participant
	if err := c.broker.Publish(broker.Session, detail, struct{}{}); err != nil {
		return fmt.Errorf("failed to publish session message: %w", err)
	}
	session := c.broker.Subscribe(broker.Session, detail)
	mailbox := c.broker.Subscribe(broker.Mailbox, detail)
	defer func() {
		if err := c.broker.Unsubscribe(broker.Session, detail, session); err != nil {
			log.Printf("error occurs in unsubscribe: %v", err)
		}
		if err := c.broker.Unsubscribe(broker.Mailbox, detail, mailbox); err != nil {
			log.Printf("error occurs in unsubscribe: %v", err)
		}
	}()

	// 02. Confirm the activation
	activate, err := response.Encode(response.ACTIVATE, response.Activate{
		MeetingID:     meetingID,
		ParticipantID: participantID,
	})
	if err != nil {
		return err
	}
	if err := sock.WriteJSON(activate); err != nil {
		return fmt.Errorf("failed to send activation response: %w", err)
	}
	log.Printf("%s activated in meeting %s", participantID, meetingID)

	// 03. Deliver the mailbox until the connection ends
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			// unblocks the read loop
			_ = sock.Close()
		}()
		defer cancel()
		c.sendSignals(ctx, sock, meetingID, participantID, mailbox.Receive(), session.Receive())
	}()

	err = c.receiveRequest(ctx, sock, meetingID, participantID)
	cancel()
	wg.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// errStopped ends the read loop after the relay closed the socket itself.
var errStopped = errors.New("connection stopped")

// sendSignals writes undelivered signals whenever the mailbox changes or the
// keepalive ping is due. Signals delivered on this connection are not
// written again, while a new connection delivers every unacknowledged signal.
func (c *Controller) sendSignals(
	ctx context.Context,
	sock socket.Socket,
	meetingID, participantID string,
	wake, replaced <-chan any,
) {
	ping := c.clock.NewTicker(socket.PingInterval)
	defer ping.Stop()

	delivered := map[string]struct{}{}
	for {
		if err := c.deliver(sock, meetingID, participantID, delivered); err != nil {
			log.Printf("failed to deliver signals to %s: %v", participantID, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-replaced:
			log.Printf("connection of %s in meeting %s replaced", participantID, meetingID)
			return
		case <-ping.C:
			if err := sock.Ping(); err != nil {
				log.Printf("failed to ping %s: %v", participantID, err)
				return
			}
		case <-wake:
		}
	}
}

func (c *Controller) deliver(sock socket.Socket, meetingID, participantID string, delivered map[string]struct{}) error {
	infos, err := c.database.FindSignalInfosByReceiver(meetingID, participantID)
	if err != nil {
		return err
	}

	pending := make(map[string]struct{}, len(infos))
	var batch []message.Signal
	for _, info := range infos {
		pending[info.ID] = struct{}{}
		if _, ok := delivered[info.ID]; ok {
			continue
		}
		batch = append(batch, info.Signal)
	}
	// forget acknowledged signals
	for id := range delivered {
		if _, ok := pending[id]; !ok {
			delete(delivered, id)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	frame, err := response.Encode(response.SIGNALS, response.Signals{Signals: batch})
	if err != nil {
		return err
	}
	if err := sock.WriteJSON(frame); err != nil {
		return err
	}
	for _, msg := range batch {
		delivered[msg.ID] = struct{}{}
	}
	return nil
}

// receiveRequest reads requests until the socket fails.
func (c *Controller) receiveRequest(ctx context.Context, sock socket.Socket, meetingID, participantID string) error {
	for {
		var req request.Common
		if err := sock.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return errStopped
			}
			return fmt.Errorf("failed to parse common message: %w", err)
		}

		result := response.Result{RequestID: req.RequestID}
		if err := c.handleRequest(req, meetingID, participantID); err != nil {
			log.Printf("error occurs in handling %s from %s: %v", req.Type, participantID, err)
			result.Error = err.Error()
		}
		frame, err := response.Encode(response.RESULT, result)
		if err != nil {
			return err
		}
		if err := sock.WriteJSON(frame); err != nil {
			return fmt.Errorf("failed to send result: %w", err)
		}
	}
}

// handleRequest parses the request type and calls the corresponding handler function.
func (c *Controller) handleRequest(req request.Common, meetingID, participantID string) error {
	switch req.Type {
	case request.SEND:
		return c.handleSend(req, meetingID, participantID)
	case request.ACK:
		return c.handleAck(req, meetingID, participantID)
	default:
		return fmt.Errorf("invalid request type: %s", req.Type)
	}
}

// handleSend stores a signal in the mailbox of its receiver and wakes the
// receiver's connection.
func (c *Controller) handleSend(req request.Common, meetingID, participantID string) error {
	var msg message.Signal
	if err := json.Unmarshal(req.Payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal send payload: %w", err)
	}
	if msg.MeetingID == "" {
		msg.MeetingID = meetingID
	}
	if msg.Sender == "" {
		msg.Sender = participantID
	}
	if msg.MeetingID != meetingID || msg.Sender != participantID {
		return fmt.Errorf("%s cannot send as %s in %s: %w", participantID, msg.Sender, msg.MeetingID, ErrForbidden)
	}

	info, err := c.database.CreateSignalInfo(msg, c.clock.Now())
	if errors.Is(err, database.ErrSignalAlreadyExists) {
		// a retried send that was stored before
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to store signal: %w", err)
	}

	if err := c.broker.Publish(broker.Mailbox, broker.ParticipantDetail(meetingID, info.Receiver), info.ID); err != nil {
		return fmt.Errorf("failed to publish mailbox message: %w", err)
	}
	return nil
}

// handleAck removes acknowledged signals from the mailbox of the participant.
func (c *Controller) handleAck(req request.Common, meetingID, participantID string) error {
	var payload request.Ack
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal ack payload: %w", err)
	}
	if _, err := c.database.DeleteSignalInfos(meetingID, participantID, payload.IDs); err != nil {
		return fmt.Errorf("failed to delete signals: %w", err)
	}
	return nil
}
