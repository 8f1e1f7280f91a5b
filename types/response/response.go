// Package response provides data types for relay frames sent to clients.
package response

import (
	"encoding/json"

	"meshcall/types/message"
)

// Constants for response types
const (
	ACTIVATE = "ACTIVATE"
	RESULT   = "RESULT"
	SIGNALS  = "SIGNALS"
)

// Common is the envelope of every relay frame.
type Common struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Activate is data type for confirming an authenticated connection
type Activate struct {
	MeetingID     string `json:"meeting_id"`
	ParticipantID string `json:"participant_id"`
}

// Result answers a request. Error is empty on success.
type Result struct {
	RequestID uint64 `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// Signals is data type for delivering a batch of signals
type Signals struct {
	Signals []message.Signal `json:"signals"`
}

// Encode wraps a payload into a frame.
func Encode(t string, payload any) (Common, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Common{}, err
	}
	return Common{Type: t, Payload: data}, nil
}
