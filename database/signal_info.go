package database

import (
	"time"

	"meshcall/types/message"
)

// SignalInfo is a signal waiting in the mailbox of its receiver.
type SignalInfo struct {
	ID        string
	MeetingID string
	Receiver  string
	Order     uint64
	Signal    message.Signal
	CreatedAt time.Time
}

// Expired reports whether the signal was stored before the given time.
func (s *SignalInfo) Expired(before time.Time) bool {
	return s.CreatedAt.Before(before)
}

// DeepCopy creates a deep copy of the given SignalInfo.
func (s *SignalInfo) DeepCopy() *SignalInfo {
	msg := s.Signal
	msg.Payload = append([]byte(nil), s.Signal.Payload...)
	return &SignalInfo{
		ID:        s.ID,
		MeetingID: s.MeetingID,
		Receiver:  s.Receiver,
		Order:     s.Order,
		Signal:    msg,
		CreatedAt: s.CreatedAt,
	}
}
