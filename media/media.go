package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// StaticProvider creates static RTP tracks, optionally fed from UDP sockets.
type StaticProvider struct {
	streamID string
}

// NewStaticProvider creates a provider whose tracks use streamID.
func NewStaticProvider(streamID string) *StaticProvider {
	return &StaticProvider{streamID: streamID}
}

// Acquire creates the requested tracks and starts reading their sources.
func (p *StaticProvider) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local := &LocalMedia{}
	local.valid.Store(true)

	if c.Video {
		if err := local.add(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", p.streamID, c.VideoRTPAddr); err != nil {
			_ = local.Close()
			return nil, err
		}
	}
	if c.Audio {
		if err := local.add(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", p.streamID, c.AudioRTPAddr); err != nil {
			_ = local.Close()
			return nil, err
		}
	}
	return local, nil
}

// LocalMedia is the Handle returned by StaticProvider.
type LocalMedia struct {
	tracks []*webrtc.TrackLocalStaticRTP
	conns  []net.PacketConn
	valid  atomic.Bool
	wg     sync.WaitGroup
	once   sync.Once
}

// Tracks returns the local tracks.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Valid reports whether every source is still running.
func (m *LocalMedia) Valid() bool {
	return m.valid.Load()
}

// Addrs returns the local addresses of the RTP sockets.
func (m *LocalMedia) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.LocalAddr())
	}
	return out
}

// Close stops every source and waits for the pumps to exit.
func (m *LocalMedia) Close() error {
	var err error
	m.once.Do(func() {
		m.valid.Store(false)
		for _, c := range m.conns {
			if closeErr := c.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		m.wg.Wait()
	})
	return err
}

func (m *LocalMedia) add(codec webrtc.RTPCodecCapability, id, streamID, addr string) error {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return fmt.Errorf("failed to create %s track: %w", id, err)
	}
	m.tracks = append(m.tracks, track)
	if addr == "" {
		return nil
	}

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen rtp source %s: %w", addr, err)
	}
	m.conns = append(m.conns, conn)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(conn, track)
	}()
	return nil
}

// pump reads RTP packets from conn and writes them into the track.
func (m *LocalMedia) pump(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if m.valid.Swap(false) {
				log.Printf("rtp source for %s stopped: %v", track.ID(), err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Printf("failed to unmarshal rtp packet for %s: %v", track.ID(), err)
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Printf("failed to write rtp packet for %s: %v", track.ID(), err)
		}
	}
}
