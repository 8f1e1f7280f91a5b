package message

import (
	"encoding/json"
	"fmt"
)

// Encode marshals a payload into a signal of type t.
func Encode(t Type, payload any) (Signal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Signal{Type: t, Payload: raw}, nil
}

// DecodeDescription parses the payload of an OFFER or ANSWER.
func (s Signal) DecodeDescription() (Description, error) {
	var d Description
	if err := json.Unmarshal(s.Payload, &d); err != nil {
		return Description{}, fmt.Errorf("failed to unmarshal %s payload: %w", s.Type, err)
	}
	return d, nil
}

// DecodeCandidate parses the payload of a CANDIDATE.
func (s Signal) DecodeCandidate() (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(s.Payload, &c); err != nil {
		return Candidate{}, fmt.Errorf("failed to unmarshal candidate payload: %w", err)
	}
	return c, nil
}
