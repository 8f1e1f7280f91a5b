package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/database"
	"meshcall/database/memory"
	"meshcall/types/message"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func signalTo(id, receiver string) message.Signal {
	return message.Signal{
		ID:        id,
		MeetingID: "m1",
		Type:      message.OFFER,
		Sender:    "a",
		Receiver:  receiver,
		Payload:   []byte(`{"sdp":"x"}`),
	}
}

func TestCreateSignalInfo(t *testing.T) {
	tests := []struct {
		name string
		msg  message.Signal
		err  error
	}{
		{name: "given a valid signal when stored then no error", msg: signalTo("s1", "b")},
		{name: "given a signal without id when stored then an id is assigned", msg: signalTo("", "b")},
		{name: "given a signal without receiver when stored then invalid", msg: signalTo("s2", ""), err: database.ErrInvalidSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := memory.New()
			info, err := db.CreateSignalInfo(tt.msg, now)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, info.ID)
			assert.Equal(t, info.ID, info.Signal.ID)
		})
	}

	t.Run("given a duplicate id when stored then already exists", func(t *testing.T) {
		db := memory.New()
		_, err := db.CreateSignalInfo(signalTo("s1", "b"), now)
		require.NoError(t, err)
		_, err = db.CreateSignalInfo(signalTo("s1", "b"), now)
		assert.ErrorIs(t, err, database.ErrSignalAlreadyExists)
	})
}

func TestFindSignalInfosByReceiver(t *testing.T) {
	db := memory.New()
	for _, msg := range []message.Signal{signalTo("s3", "b"), signalTo("s1", "c"), signalTo("s2", "b"), signalTo("s0", "b")} {
		_, err := db.CreateSignalInfo(msg, now)
		require.NoError(t, err)
	}

	infos, err := db.FindSignalInfosByReceiver("m1", "b")
	require.NoError(t, err)
	var ids []string
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"s3", "s2", "s0"}, ids)

	// returned values are copies
	infos[0].Signal.Payload[0] = 'X'
	again, err := db.FindSignalInfosByReceiver("m1", "b")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again[0].Signal.Payload[0])

	none, err := db.FindSignalInfosByReceiver("m2", "b")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteSignalInfos(t *testing.T) {
	db := memory.New()
	for _, msg := range []message.Signal{signalTo("s1", "b"), signalTo("s2", "b"), signalTo("s3", "c")} {
		_, err := db.CreateSignalInfo(msg, now)
		require.NoError(t, err)
	}

	deleted, err := db.DeleteSignalInfos("m1", "b", []string{"s1", "s3", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err := db.CountSignalInfos()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDeleteExpiredSignalInfos(t *testing.T) {
	db := memory.New()
	_, err := db.CreateSignalInfo(signalTo("old", "b"), now)
	require.NoError(t, err)
	_, err = db.CreateSignalInfo(signalTo("new", "b"), now.Add(time.Minute))
	require.NoError(t, err)

	deleted, err := db.DeleteExpiredSignalInfos(now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	infos, err := db.FindSignalInfosByReceiver("m1", "b")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "new", infos[0].ID)
}
