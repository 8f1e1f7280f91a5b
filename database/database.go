// Package database provides an interface for the relay mailbox.
package database

import (
	"errors"
	"time"

	"meshcall/types/message"
)

var (
	// ErrSignalAlreadyExists is returned when a signal with the same ID is already stored.
	ErrSignalAlreadyExists = errors.New("signal already exists")

	// ErrInvalidSignal is returned when a signal cannot be stored.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Database stores signals until their receiver acknowledges them.
type Database interface {
	CreateSignalInfo(msg message.Signal, createdAt time.Time) (*SignalInfo, error)
	FindSignalInfosByReceiver(meetingID, receiver string) ([]*SignalInfo, error)
	DeleteSignalInfos(meetingID, receiver string, ids []string) (int, error)
	DeleteExpiredSignalInfos(before time.Time) (int, error)
	CountSignalInfos() (int, error)
}
