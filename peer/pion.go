package peer

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// PionFactory creates connections backed by pion/webrtc.
type PionFactory struct {
	api *webrtc.API
}

// NewPionFactory builds a webrtc.API with the default codecs and interceptors.
func NewPionFactory(c Config) (*PionFactory, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	if c.PLIInterval {
		pli, err := intervalpli.NewReceiverInterceptor()
		if err != nil {
			return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{}
	if err := c.SetPortRange(&settingEngine); err != nil {
		return nil, err
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
	}, nil
}

// New creates a new peer connection and registers the handlers.
func (f *PionFactory) New(config webrtc.Configuration, h Handlers) (Connection, error) {
	pc, err := f.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &pionConnection{pc: pc, senders: map[webrtc.RTPCodecType]*webrtc.RTPSender{}}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if h.OnICEStateChange != nil {
			h.OnICEStateChange(state)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(remote)
		}
	})
	return conn, nil
}

type pionConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
}

func (c *pionConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *pionConnection) SetTracks(tracks []webrtc.TrackLocal) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := false
	for _, track := range tracks {
		if sender, ok := c.senders[track.Kind()]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				return added, fmt.Errorf("failed to replace %s track: %w", track.Kind(), err)
			}
			continue
		}

		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return added, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		c.senders[track.Kind()] = sender
		added = true

		// Read RTCP packets so interceptors keep working.
		go func() {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
	}
	return added, nil
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}
