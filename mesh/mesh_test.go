package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/media"
	"meshcall/peer/peertest"
	"meshcall/pkg/retry"
	"meshcall/signal"
	"meshcall/state"
	"meshcall/types/message"
)

func stateUpdate() state.Update {
	return state.Update{HandRaised: state.Bool(true)}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		err    error
	}{
		{name: "given defaults then valid", modify: func(*Config) {}},
		{name: "given no self id then invalid", modify: func(c *Config) { c.SelfID = "" }, err: ErrInvalidConfig},
		{name: "given zero checking timeout then invalid", modify: func(c *Config) { c.CheckingTimeout = 0 }, err: ErrInvalidConfig},
		{name: "given zero resets then invalid", modify: func(c *Config) { c.MaxResetAttempts = 0 }, err: ErrInvalidConfig},
		{name: "given invalid retry policy then invalid", modify: func(c *Config) { c.SendRetry = retry.Policy{} }, err: retry.ErrInvalidPolicy},
		{name: "given no media then invalid", modify: func(c *Config) { c.Media = media.Constraints{} }, err: media.ErrNoTracks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("a")
			tt.modify(&c)
			assert.ErrorIs(t, c.Validate(), tt.err)
		})
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig("a"), Dependencies{Channel: signal.NewHub()}, Callbacks{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestICEServersAreInjected(t *testing.T) {
	e := newEnv()
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	a := e.node(t, "a", false, func(c *Config, _ *Dependencies) { c.ICEServers = servers })
	a.join(t)

	require.NoError(t, a.Connect(context.Background(), meeting, []string{"b"}))
	configs := a.factory.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, servers, configs[0].ICEServers)
}

func TestJoin(t *testing.T) {
	t.Run("given media failure when joining then it is returned without retry", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		provider := media.NewMockProvider(ctrl)
		boom := errors.New("camera busy")
		provider.EXPECT().Acquire(gomock.Any(), gomock.Any()).Return(nil, boom).Times(1)

		e := newEnv()
		a := e.node(t, "a", false, withProvider(provider))

		err := a.Join(context.Background(), meeting)
		assert.ErrorIs(t, err, ErrMediaUnavailable)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, SessionIdle, a.SessionState())
		assert.ErrorIs(t, a.Connect(context.Background(), meeting, []string{"b"}), ErrNotJoined)
	})

	t.Run("given roster failure when joining then the session is cleaned up", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		roster := NewMockRoster(ctrl)
		boom := errors.New("roster down")
		roster.EXPECT().Add(gomock.Any(), meeting, "a").Return(boom)

		e := newEnv()
		a := e.node(t, "a", false, func(_ *Config, d *Dependencies) { d.Roster = roster })

		assert.ErrorIs(t, a.Join(context.Background(), meeting), boom)
		assert.Equal(t, SessionIdle, a.SessionState())
		assert.Equal(t, 0, e.clock.Pending())
	})

	t.Run("given an empty meeting id then invalid", func(t *testing.T) {
		a := newEnv().node(t, "a", false)
		assert.ErrorIs(t, a.Join(context.Background(), ""), ErrInvalidMeeting)
	})

	t.Run("given a join then the roster lists the participant", func(t *testing.T) {
		e := newEnv()
		a := e.node(t, "a", false)
		a.join(t)

		members, err := e.roster.Members(context.Background(), meeting)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, members)
		assert.Equal(t, SessionConnecting, a.SessionState())

		require.NoError(t, a.Connect(context.Background(), meeting, nil))
		assert.Equal(t, SessionConnected, a.SessionState())
	})
}

func TestTeardownIsIdempotent(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	fake := negotiated(t, e, a, "a", "b")
	fake.EmitTrack(remoteTrack{id: "video-b"})
	require.Eventually(t, func() bool {
		_, _, added, _ := a.recorder.snapshot()
		return len(added) == 1
	}, waitFor, tick)

	ctx := context.Background()
	require.NoError(t, a.Teardown(ctx, "b"))
	require.NoError(t, a.Teardown(ctx, "b"))

	assert.True(t, fake.Closed())
	_, ok := a.LinkState("b")
	assert.False(t, ok)
	a.sync()
	assert.Eventually(t, func() bool {
		_, _, _, removed := a.recorder.snapshot()
		return len(removed) == 1
	}, waitFor, tick)
	_, _, _, removed := a.recorder.snapshot()
	assert.Equal(t, []string{"b"}, removed)
	assert.Eventually(t, func() bool { return len(a.recorder.participantsRemoved()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"b"}, a.recorder.participantsRemoved())
}

func TestTeardownRemovesParticipantState(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	b := e.node(t, "b", false)
	a.join(t)
	b.join(t)
	ctx := context.Background()

	_, err := b.SetLocalState(ctx, stateUpdate())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := a.ParticipantState(ctx, "b")
		return ok
	}, waitFor, tick)

	negotiated(t, e, a, "a", "b")

	require.NoError(t, a.Teardown(ctx, "b"))
	_, ok, err := a.ParticipantState(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// one notice although both the link and the state were dropped
	assert.Eventually(t, func() bool { return len(a.recorder.participantsRemoved()) == 1 }, waitFor, tick)
	a.sync()
	assert.Equal(t, []string{"b"}, a.recorder.participantsRemoved())
	_, _, _, removed := a.recorder.snapshot()
	assert.Empty(t, removed)

	// tearing down a participant never seen sends no notice
	require.NoError(t, a.Teardown(ctx, "x"))
	a.sync()
	assert.Equal(t, []string{"b"}, a.recorder.participantsRemoved())
}

func TestDeletedRemoteStateNotifies(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	b := e.node(t, "b", false)
	a.join(t)
	b.join(t)
	ctx := context.Background()

	_, err := b.SetLocalState(ctx, stateUpdate())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.recorder.state("b")
		return ok
	}, waitFor, tick)

	require.NoError(t, b.Leave(ctx))

	assert.Eventually(t, func() bool { return len(a.recorder.participantsRemoved()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"b"}, a.recorder.participantsRemoved())
	_, ok, err := a.ParticipantState(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStateIsReplicated(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	b := e.node(t, "b", false)
	a.join(t)
	b.join(t)
	ctx := context.Background()

	got, err := a.SetLocalState(ctx, state.Update{Audio: state.Bool(true), Reaction: state.String("👏")})
	require.NoError(t, err)
	assert.Equal(t, start, got.LastUpdated)

	assert.Eventually(t, func() bool {
		s, ok := b.recorder.state("a")
		return ok && s.Media.Audio && s.Reaction == "👏"
	}, waitFor, tick)

	e.clock.Advance(state.DefaultReactionTTL)
	assert.Eventually(t, func() bool {
		s, _, _ := b.ParticipantState(ctx, "a")
		return s.Media.Audio && s.Reaction == ""
	}, waitFor, tick)
}

func TestSetMedia(t *testing.T) {
	t.Run("given the same track kinds then tracks are replaced without renegotiation", func(t *testing.T) {
		e := newEnv()
		a := e.node(t, "a", false)
		a.join(t)
		fake := negotiated(t, e, a, "a", "b")

		next, err := media.NewStaticProvider("next").Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
		require.NoError(t, err)
		require.NoError(t, a.SetMedia(context.Background(), next))
		a.sync()

		assert.Equal(t, "next", fake.Tracks()[webrtc.RTPCodecTypeVideo].StreamID())
		assert.Len(t, fake.Offers(), 1)
	})

	t.Run("given a new track kind then the link is renegotiated", func(t *testing.T) {
		e := newEnv()
		a := e.node(t, "a", false, withMedia(media.Constraints{Audio: true}))
		a.join(t)
		fake := negotiated(t, e, a, "a", "b")
		require.Len(t, fake.Tracks(), 1)

		next, err := media.NewStaticProvider("next").Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
		require.NoError(t, err)
		require.NoError(t, a.SetMedia(context.Background(), next))

		assert.Eventually(t, func() bool { return len(e.sent("a", "b", message.OFFER)) == 2 }, waitFor, tick)
		desc, err := e.sent("a", "b", message.OFFER)[1].DecodeDescription()
		require.NoError(t, err)
		assert.True(t, desc.Renegotiate)
		assert.False(t, desc.ICERestart)
		assert.Len(t, fake.Tracks(), 2)
	})

	t.Run("given nil media then unavailable", func(t *testing.T) {
		e := newEnv()
		a := e.node(t, "a", false)
		a.join(t)
		assert.ErrorIs(t, a.SetMedia(context.Background(), nil), ErrMediaUnavailable)
	})
}

func TestCleanupReleasesEverything(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	var fakes []*peertest.Fake
	require.NoError(t, a.Connect(context.Background(), meeting, []string{"b", "c"}))
	fakes = a.factory.Created()

	require.NoError(t, a.Cleanup(context.Background()))

	for _, f := range fakes {
		assert.True(t, f.Closed())
	}
	assert.Empty(t, a.Peers())
	assert.Equal(t, 0, e.clock.Pending())
	assert.Equal(t, SessionIdle, a.SessionState())
	assert.ErrorIs(t, a.Connect(context.Background(), meeting, []string{"b"}), ErrNotJoined)

	// a second cleanup is a no-op
	require.NoError(t, a.Cleanup(context.Background()))

	// the participant may join again
	a.join(t)
}

func TestLeave(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	ctx := context.Background()
	_, err := a.SetLocalState(ctx, stateUpdate())
	require.NoError(t, err)

	require.NoError(t, a.Leave(ctx))

	members, err := e.roster.Members(ctx, meeting)
	require.NoError(t, err)
	assert.Empty(t, members)
	_, ok := e.replicator.Get(meeting, "a")
	assert.False(t, ok)
	assert.Equal(t, SessionLeft, a.SessionState())
	assert.ErrorIs(t, a.Leave(ctx), ErrSessionLeft)

	assert.Eventually(t, func() bool {
		sessions, _, _, _ := a.recorder.snapshot()
		return len(sessions) > 0 && sessions[len(sessions)-1] == SessionLeft
	}, waitFor, tick)
}

// gatedChannel holds every send until gate is closed.
type gatedChannel struct {
	signal.Channel
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (c *gatedChannel) Send(ctx context.Context, msg message.Signal) error {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Channel.Send(ctx, msg)
}

func TestTeardownStopsQueuedSignals(t *testing.T) {
	e := newEnv()
	channel := &gatedChannel{Channel: e.hub, gate: make(chan struct{}), entered: make(chan struct{})}
	a := e.node(t, "a", false, withChannel(channel))
	a.join(t)
	ctx := context.Background()

	connected := make(chan error, 1)
	go func() { connected <- a.Connect(ctx, meeting, []string{"b"}) }()
	select {
	case <-channel.entered:
	case <-time.After(waitFor):
		t.Fatal("offer was never sent")
	}

	require.NoError(t, a.Teardown(ctx, "b"))
	select {
	case err := <-connected:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("connect still waits for its offer")
	}

	close(channel.gate)
	a.sync()
	assert.Empty(t, e.sent("a", "b", message.OFFER))
	var queued bool
	a.inspect(func() { _, queued = a.outboxes["b"] })
	assert.False(t, queued)
}

func TestStateAfterClose(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, meeting, []string{"b"}))
	require.NoError(t, a.Leave(ctx))
	require.NoError(t, a.Close())

	assert.Equal(t, SessionLeft, a.SessionState())
	assert.Empty(t, a.Peers())
	_, ok := a.LinkState("b")
	assert.False(t, ok)
	assert.ErrorIs(t, a.Connect(ctx, meeting, []string{"b"}), ErrClosed)
}
