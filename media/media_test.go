package media_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/media"
)

func TestAcquire(t *testing.T) {
	tests := []struct {
		name      string
		c         media.Constraints
		wantKinds []webrtc.RTPCodecType
		wantErr   error
	}{
		{
			name:      "given audio and video when acquired then return both tracks",
			c:         media.Constraints{Audio: true, Video: true},
			wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio},
		},
		{
			name:      "given audio only when acquired then return audio track",
			c:         media.Constraints{Audio: true},
			wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio},
		},
		{
			name:    "given no tracks when acquired then return error",
			c:       media.Constraints{},
			wantErr: media.ErrNoTracks,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle, err := media.NewStaticProvider("stream").Acquire(context.Background(), tt.c)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer func() { _ = handle.Close() }()

			var kinds []webrtc.RTPCodecType
			for _, track := range handle.Tracks() {
				kinds = append(kinds, track.Kind())
				assert.Equal(t, "stream", track.StreamID())
			}
			assert.Equal(t, tt.wantKinds, kinds)
			assert.True(t, handle.Valid())
		})
	}
}

func TestAcquireInvalidAddress(t *testing.T) {
	_, err := media.NewStaticProvider("stream").Acquire(context.Background(), media.Constraints{
		Video:        true,
		VideoRTPAddr: "not-an-address",
	})
	assert.Error(t, err)
}

func TestLocalMediaPumpsAndCloses(t *testing.T) {
	handle, err := media.NewStaticProvider("stream").Acquire(context.Background(), media.Constraints{
		Video:        true,
		VideoRTPAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	local := handle.(*media.LocalMedia)
	require.Len(t, local.Addrs(), 1)

	conn, err := net.Dial("udp", local.Addrs()[0].String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1}, Payload: []byte{0x01}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.True(t, handle.Valid())

	assert.NoError(t, handle.Close())
	assert.False(t, handle.Valid())
	assert.NoError(t, handle.Close())
}
