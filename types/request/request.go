// Package request defines structures for client request frames sent to the relay.
package request

import "encoding/json"

// Constants for request types
const (
	SEND = "SEND"
	ACK  = "ACK"
)

// Common represents a generic request structure used in WebSocket communication.
type Common struct {
	RequestID uint64          `json:"request_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Ack is data type for acknowledging delivered signals
type Ack struct {
	IDs []string `json:"ids"`
}
