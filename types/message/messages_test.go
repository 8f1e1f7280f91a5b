package message_test

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/types/message"
)

func TestValidate(t *testing.T) {
	valid := message.Signal{MeetingID: "m", Type: message.OFFER, Sender: "a", Receiver: "b"}

	tests := []struct {
		name    string
		modify  func(s *message.Signal)
		wantErr bool
	}{
		{name: "given addressed offer when validated then return nil", modify: func(*message.Signal) {}},
		{name: "given reconnect when validated then return nil", modify: func(s *message.Signal) { s.Type = message.RECONNECT }},
		{name: "given no meeting when validated then return error", modify: func(s *message.Signal) { s.MeetingID = "" }, wantErr: true},
		{name: "given no sender when validated then return error", modify: func(s *message.Signal) { s.Sender = "" }, wantErr: true},
		{name: "given no receiver when validated then return error", modify: func(s *message.Signal) { s.Receiver = "" }, wantErr: true},
		{name: "given unknown type when validated then return error", modify: func(s *message.Signal) { s.Type = "bye" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, message.ErrInvalidSignal)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDescription(t *testing.T) {
	msg, err := message.Encode(message.ANSWER, message.Description{SDP: "v=0", Offer: "o1", ICERestart: true})
	require.NoError(t, err)
	assert.Equal(t, message.ANSWER, msg.Type)

	d, err := msg.DecodeDescription()
	require.NoError(t, err)
	assert.True(t, d.ICERestart)
	assert.Equal(t, "o1", d.Offer)
	assert.False(t, d.Renegotiate)

	desc := d.SessionDescription(msg.Type)
	assert.Equal(t, webrtc.SDPTypeAnswer, desc.Type)
	assert.Equal(t, "v=0", desc.SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, d.SessionDescription(message.OFFER).Type)
}

func TestDecodeMalformedPayload(t *testing.T) {
	msg := message.Signal{Type: message.CANDIDATE, Payload: []byte("{")}

	_, err := msg.DecodeCandidate()
	assert.Error(t, err)
	_, err = msg.DecodeDescription()
	assert.Error(t, err)
}
