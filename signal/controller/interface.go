// Package controller handles the relay websocket protocol.
package controller

import (
	"context"

	"meshcall/pkg/socket"
)

// Processor serves one authenticated websocket connection.
//
//go:generate mockgen -destination=mock_processor.go -package=controller . Processor
type Processor interface {
	Process(ctx context.Context, sock socket.Socket, meetingID, participantID string) error
}
