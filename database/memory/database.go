// Package memory provides an in-memory database implementation.
package memory

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/lithammer/shortuuid/v4"

	"meshcall/database"
	"meshcall/types/message"
)

// Compile-time interface check.
var _ database.Database = (*DB)(nil)

// DB is a memory-backed database.
type DB struct {
	db    *memdb.MemDB
	order atomic.Uint64
}

// New creates a new memory-backed database.
func New() *DB {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &DB{
		db: db,
	}
}

// CreateSignalInfo stores a signal in the mailbox of its receiver. A signal
// without an ID is given one.
func (d *DB) CreateSignalInfo(msg message.Signal, createdAt time.Time) (*database.SignalInfo, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrInvalidSignal, err)
	}
	if msg.ID == "" {
		msg.ID = shortuuid.New()
	}

	txn := d.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblSignals, idxSignalID, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("find signal by id: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", msg.ID, database.ErrSignalAlreadyExists)
	}

	info := &database.SignalInfo{
		ID:        msg.ID,
		MeetingID: msg.MeetingID,
		Receiver:  msg.Receiver,
		Order:     d.order.Add(1),
		Signal:    msg,
		CreatedAt: createdAt,
	}
	if err := txn.Insert(tblSignals, info); err != nil {
		return nil, fmt.Errorf("insert signal: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}

// FindSignalInfosByReceiver returns the mailbox of a participant in the order
// signals were stored.
func (d *DB) FindSignalInfosByReceiver(meetingID, receiver string) ([]*database.SignalInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(tblSignals, idxSignalReceiver, meetingID, receiver)
	if err != nil {
		return nil, fmt.Errorf("find signals by receiver: %w", err)
	}

	var infos []*database.SignalInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		infos = append(infos, raw.(*database.SignalInfo).DeepCopy())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Order < infos[j].Order })
	return infos, nil
}

// DeleteSignalInfos removes acknowledged signals from the mailbox of a
// participant. Unknown IDs and IDs addressed to someone else are ignored.
func (d *DB) DeleteSignalInfos(meetingID, receiver string, ids []string) (int, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	deleted := 0
	for _, id := range ids {
		raw, err := txn.First(tblSignals, idxSignalID, id)
		if err != nil {
			return 0, fmt.Errorf("find signal by id: %w", err)
		}
		if raw == nil {
			continue
		}
		info := raw.(*database.SignalInfo)
		if info.MeetingID != meetingID || info.Receiver != receiver {
			continue
		}
		if err := txn.Delete(tblSignals, info); err != nil {
			return 0, fmt.Errorf("delete signal: %w", err)
		}
		deleted++
	}
	txn.Commit()
	return deleted, nil
}

// DeleteExpiredSignalInfos removes signals stored before the given time.
func (d *DB) DeleteExpiredSignalInfos(before time.Time) (int, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(tblSignals, idxSignalID)
	if err != nil {
		return 0, fmt.Errorf("list signals: %w", err)
	}

	var expired []*database.SignalInfo
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if info := raw.(*database.SignalInfo); info.Expired(before) {
			expired = append(expired, info)
		}
	}
	for _, info := range expired {
		if err := txn.Delete(tblSignals, info); err != nil {
			return 0, fmt.Errorf("delete signal: %w", err)
		}
	}
	txn.Commit()
	return len(expired), nil
}

// CountSignalInfos returns the number of stored signals.
func (d *DB) CountSignalInfos() (int, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(tblSignals, idxSignalID)
	if err != nil {
		return 0, fmt.Errorf("list signals: %w", err)
	}
	count := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		count++
	}
	return count, nil
}
