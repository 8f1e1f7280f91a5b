package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"meshcall/media"
	"meshcall/metric"
	"meshcall/peer"
	"meshcall/peer/peertest"
	"meshcall/pkg/clock"
	"meshcall/pkg/retry"
	"meshcall/signal"
	"meshcall/state"
	"meshcall/types/message"
)

const meeting = "m1"

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// env is a shared signaling hub, roster, replicator and clock.
type env struct {
	hub        *signal.Hub
	roster     *MemoryRoster
	replicator *state.MemoryReplicator
	clock      *clock.FakeClock
}

func newEnv() *env {
	return &env{
		hub:        signal.NewHub(),
		roster:     NewMemoryRoster(),
		replicator: state.NewMemoryReplicator(),
		clock:      clock.Fake(start),
	}
}

type node struct {
	*Orchestrator
	factory  *peertest.Factory
	recorder *recorder
}

type option func(*Config, *Dependencies)

func withProvider(p media.Provider) option {
	return func(_ *Config, d *Dependencies) { d.Provider = p }
}

func withChannel(c signal.Channel) option {
	return func(_ *Config, d *Dependencies) { d.Channel = c }
}

func withMedia(c media.Constraints) option {
	return func(cfg *Config, _ *Dependencies) { cfg.Media = c }
}

func (e *env) node(t *testing.T, id string, autoConnect bool, opts ...option) *node {
	t.Helper()
	config := DefaultConfig(id)
	config.SendRetry = retry.Policy{MaxAttempts: 3}

	factory := peertest.NewFactory(id)
	factory.AutoConnect = autoConnect
	deps := Dependencies{
		Factory:    factory,
		Channel:    e.hub,
		Provider:   media.NewStaticProvider(id),
		Roster:     e.roster,
		Replicator: e.replicator,
		Clock:      e.clock,
		Metrics:    metric.New(metric.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(&config, &deps)
	}

	rec := &recorder{}
	o, err := New(config, deps, rec.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return &node{Orchestrator: o, factory: factory, recorder: rec}
}

func (n *node) join(t *testing.T) {
	t.Helper()
	require.NoError(t, n.Join(context.Background(), meeting))
}

// sync waits until every event queued so far has run.
func (n *node) sync() {
	_ = n.call(context.Background(), func() error { return nil })
}

func (n *node) inspect(f func()) {
	_ = n.call(context.Background(), func() error {
		f()
		return nil
	})
}

func (n *node) pendingCandidates(participantID string) int {
	var count int
	n.inspect(func() { count = n.candidates.len(participantID) })
	return count
}

func (n *node) stateIs(participantID string, want ConnectionState) func() bool {
	return func() bool {
		got, ok := n.LinkState(participantID)
		return ok && got == want
	}
}

// send delivers a signal as if sent by a remote participant.
func (e *env) send(t *testing.T, from, to string, sequence uint64, typ message.Type, payload any) {
	t.Helper()
	msg, err := message.Encode(typ, payload)
	require.NoError(t, err)
	msg.MeetingID = meeting
	msg.Sender = from
	msg.Receiver = to
	msg.Epoch = "epoch-" + from
	msg.Sequence = sequence
	require.NoError(t, e.hub.Send(context.Background(), msg))
}

// answer waits until to has sent its nth offer to from and answers it.
func (e *env) answer(t *testing.T, from, to string, sequence uint64, nth int, sdp string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.sent(to, from, message.OFFER)) >= nth }, waitFor, tick)
	desc, err := e.sent(to, from, message.OFFER)[nth-1].DecodeDescription()
	require.NoError(t, err)
	e.send(t, from, to, sequence, message.ANSWER, message.Description{SDP: sdp, Offer: desc.Offer})
}

func (e *env) sent(from, to string, typ message.Type) []message.Signal {
	var out []message.Signal
	for _, msg := range e.hub.Sent() {
		if msg.Sender == from && msg.Receiver == to && msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (e *env) restartOffers(t *testing.T, from, to string) int {
	t.Helper()
	count := 0
	for _, msg := range e.sent(from, to, message.OFFER) {
		desc, err := msg.DecodeDescription()
		require.NoError(t, err)
		if desc.ICERestart {
			count++
		}
	}
	return count
}

type recorder struct {
	mu           sync.Mutex
	sessions     []SessionState
	disconnected []string
	added        []string
	removed      []string
	gone         []string
	states       map[string]state.State
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnRemoteMedia: func(id string, _ peer.RemoteTrack) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.added = append(r.added, id)
		},
		OnRemoteMediaRemoved: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, id)
		},
		OnParticipantStateChanged: func(id string, s state.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.states == nil {
				r.states = map[string]state.State{}
			}
			r.states[id] = s
		},
		OnParticipantDisconnected: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected = append(r.disconnected, id)
		},
		OnSessionStateChanged: func(s SessionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sessions = append(r.sessions, s)
		},
		OnParticipantRemoved: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.gone = append(r.gone, id)
		},
	}
}

// participantsRemoved returns the ids passed to OnParticipantRemoved.
func (r *recorder) participantsRemoved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.gone...)
}

func (r *recorder) snapshot() (sessions []SessionState, disconnected, added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.sessions...),
		append([]string(nil), r.disconnected...),
		append([]string(nil), r.added...),
		append([]string(nil), r.removed...)
}

func (r *recorder) state(id string) (state.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

type remoteTrack struct {
	id string
}

func (t remoteTrack) ID() string                { return t.id }
func (t remoteTrack) StreamID() string          { return "stream-" + t.id }
func (t remoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
