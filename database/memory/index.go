// Package memory provides an in-memory database implementation.
package memory

import "github.com/hashicorp/go-memdb"

const (
	tblSignals = "signals"
)

const (
	idxSignalID       = "id"
	idxSignalReceiver = "receiver"
)

// schema is the schema of the memory database.
var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblSignals: {
			Name: tblSignals,
			Indexes: map[string]*memdb.IndexSchema{
				idxSignalID: {
					Name:    idxSignalID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxSignalReceiver: {
					Name:   idxSignalReceiver,
					Unique: false,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "MeetingID"},
							&memdb.StringFieldIndex{Field: "Receiver"},
						},
					},
				},
			},
		},
	},
}
