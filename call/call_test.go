package call_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/call"
	"meshcall/media"
	"meshcall/mesh"
	"meshcall/peer/peertest"
	"meshcall/pkg/clock"
	"meshcall/redis"
	"meshcall/signal"
	"meshcall/signal/auth"
	"meshcall/types/message"
)

const (
	meeting = "standup"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func config(participantID string) call.Config {
	c := call.DefaultConfig()
	c.MeetingID = meeting
	c.ParticipantID = participantID
	c.RelayURL = "ws://relay.invalid/ws"
	c.Token = "token"
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *call.Config)
		wantErr bool
	}{
		{
			name:   "given complete config when validated then return nil",
			modify: func(c *call.Config) {},
		},
		{
			name:   "given secret instead of token when validated then return nil",
			modify: func(c *call.Config) { c.Token, c.Secret = "", "secret" },
		},
		{
			name:    "given no meeting when validated then return error",
			modify:  func(c *call.Config) { c.MeetingID = "" },
			wantErr: true,
		},
		{
			name:    "given no participant when validated then return error",
			modify:  func(c *call.Config) { c.ParticipantID = "" },
			wantErr: true,
		},
		{
			name:    "given no relay when validated then return error",
			modify:  func(c *call.Config) { c.RelayURL = "" },
			wantErr: true,
		},
		{
			name:    "given neither token nor secret when validated then return error",
			modify:  func(c *call.Config) { c.Token = "" },
			wantErr: true,
		},
		{
			name:    "given zero roster interval when validated then return error",
			modify:  func(c *call.Config) { c.RosterInterval = 0 },
			wantErr: true,
		},
		{
			name:    "given ice server without urls when validated then return error",
			modify:  func(c *call.Config) { c.ICEServers = []call.ICEServer{{Username: "u"}} },
			wantErr: true,
		},
		{
			name:    "given redis without address when validated then return error",
			modify:  func(c *call.Config) { c.Redis = &redis.Config{} },
			wantErr: true,
		},
		{
			name:    "given no media when validated then return error",
			modify:  func(c *call.Config) { c.Media = media.Constraints{} },
			wantErr: true,
		},
		{
			name:    "given negative reset attempts when validated then return error",
			modify:  func(c *call.Config) { c.Timing.MaxResetAttempts = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config("a")
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, call.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMeshConfig(t *testing.T) {
	c := config("a")
	c.ICEServers = []call.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}}
	c.Timing = call.Timing{CheckingTimeout: time.Second, MaxResetAttempts: 5, SendAttempts: 7}

	got := c.MeshConfig()

	assert.Equal(t, "a", got.SelfID)
	require.Len(t, got.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.org"}, got.ICEServers[0].URLs)
	assert.Equal(t, "p", got.ICEServers[0].Credential)
	assert.Equal(t, time.Second, got.CheckingTimeout)
	assert.Equal(t, 5, got.MaxResetAttempts)
	assert.Equal(t, 7, got.SendRetry.MaxAttempts)
	assert.Equal(t, mesh.DefaultRestartVerifyTimeout, got.RestartVerifyTimeout)
	assert.Equal(t, mesh.DefaultReconnectBackoff, got.ReconnectBackoff)
}

func TestTokenSource(t *testing.T) {
	t.Run("given token when source called then return it", func(t *testing.T) {
		tokens, err := config("a").TokenSource()
		require.NoError(t, err)
		token, err := tokens(meeting, "a")
		require.NoError(t, err)
		assert.Equal(t, "token", token)
	})

	t.Run("given secret when source called then sign verifiable token", func(t *testing.T) {
		c := config("a")
		c.Token, c.Secret = "", "secret"
		tokens, err := c.TokenSource()
		require.NoError(t, err)
		token, err := tokens(meeting, "a")
		require.NoError(t, err)

		authority, err := auth.New("secret", 0)
		require.NoError(t, err)
		claims, err := authority.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, meeting, claims.MeetingID)
		assert.Equal(t, "a", claims.ParticipantID)
	})
}

type participant struct {
	*call.Call
	factory *peertest.Factory
	done    chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, id string, deps call.Dependencies) *participant {
	t.Helper()
	factory := peertest.NewFactory(id)
	factory.AutoConnect = true
	deps.Factory = factory

	c, err := call.New(context.Background(), config(id), deps, mesh.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	p := &participant{Call: c, factory: factory, done: make(chan error, 1), cancel: cancel}
	go func() { p.done <- c.Run(ctx) }()
	return p
}

func (p *participant) stop(t *testing.T) error {
	t.Helper()
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("run did not return")
		return nil
	}
}

func connected(c *call.Call, participantID string) func() bool {
	return func() bool {
		s, ok := c.Orchestrator().LinkState(participantID)
		return ok && s == mesh.StateConnected
	}
}

func TestParticipantsConnectThroughRoster(t *testing.T) {
	hub := signal.NewHub()
	roster := mesh.NewMemoryRoster()
	clk := clock.Fake(time.Now())
	deps := call.Dependencies{Channel: hub, Roster: roster, Clock: clk}

	a := start(t, "a", deps)
	require.Eventually(t, func() bool {
		members, _ := roster.Members(context.Background(), meeting)
		return len(members) == 1
	}, waitFor, tick)

	b := start(t, "b", deps)

	assert.Eventually(t, connected(a.Call, "b"), waitFor, tick)
	assert.Eventually(t, connected(b.Call, "a"), waitFor, tick)

	require.NoError(t, b.stop(t))
	members, err := roster.Members(context.Background(), meeting)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
	assert.Equal(t, mesh.SessionLeft, b.Orchestrator().SessionState())

	require.NoError(t, a.stop(t))
	members, err = roster.Members(context.Background(), meeting)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRosterIsPolled(t *testing.T) {
	hub := signal.NewHub()
	roster := mesh.NewMemoryRoster()
	clk := clock.Fake(time.Now())

	a := start(t, "a", call.Dependencies{Channel: hub, Roster: roster, Clock: clk})
	require.Eventually(t, func() bool {
		members, _ := roster.Members(context.Background(), meeting)
		return len(members) == 1
	}, waitFor, tick)
	assert.Empty(t, a.Orchestrator().Peers())

	require.NoError(t, roster.Add(context.Background(), meeting, "late"))

	assert.Eventually(t, func() bool {
		clk.Advance(call.DefaultRosterInterval)
		for _, msg := range hub.Sent() {
			if msg.Sender == "a" && msg.Receiver == "late" && msg.Type == message.OFFER {
				return true
			}
		}
		return false
	}, waitFor, 50*time.Millisecond)
	assert.Equal(t, []string{"late"}, a.Orchestrator().Peers())
	require.NoError(t, a.stop(t))
}

func TestConfiguredPeersSeedLocalRoster(t *testing.T) {
	hub := signal.NewHub()
	c := config("a")
	c.Peers = []string{"b", "c"}

	factory := peertest.NewFactory("a")
	cl, err := call.New(context.Background(), c, call.Dependencies{
		Factory: factory,
		Channel: hub,
		Clock:   clock.Fake(time.Now()),
	}, mesh.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(cl.Orchestrator().Peers()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"b", "c"}, cl.Orchestrator().Peers())

	cancel()
	assert.NoError(t, <-done)
}

func TestRunReturnsJoinFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := media.NewMockProvider(ctrl)
	provider.EXPECT().Acquire(gomock.Any(), gomock.Any()).Return(nil, errors.New("camera busy"))

	cl, err := call.New(context.Background(), config("a"), call.Dependencies{
		Factory:  peertest.NewFactory("a"),
		Channel:  signal.NewHub(),
		Provider: provider,
		Roster:   mesh.NewMemoryRoster(),
		Clock:    clock.Fake(time.Now()),
	}, mesh.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	err = cl.Run(context.Background())
	assert.ErrorIs(t, err, mesh.ErrMediaUnavailable)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := call.New(context.Background(), call.Config{}, call.Dependencies{}, mesh.Callbacks{})
	assert.ErrorIs(t, err, call.ErrInvalidConfig)
}
