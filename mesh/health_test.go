package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcall/peer/peertest"
	"meshcall/types/message"
)

// negotiated connects self to peer and applies the peer's answer.
func negotiated(t *testing.T, e *env, n *node, self, peer string) *peertest.Fake {
	t.Helper()
	require.NoError(t, n.Connect(context.Background(), meeting, []string{peer}))
	e.answer(t, peer, self, 1, 1, "answer:"+peer+":1")
	fake := n.factory.Last()
	require.Eventually(t, func() bool {
		return fake.SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	return fake
}

func TestCheckingTimeoutRestartsOnce(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	fake := negotiated(t, e, a, "a", "d")

	fake.SetICEState(webrtc.ICEConnectionStateChecking)
	require.Eventually(t, a.stateIs("d", StateChecking), waitFor, tick)

	e.clock.Advance(DefaultCheckingTimeout)
	assert.Eventually(t, func() bool { return e.restartOffers(t, "a", "d") == 1 }, waitFor, tick)
	assert.Equal(t, 1, fake.Restarts())

	// still checking inside the verification window
	fake.SetICEState(webrtc.ICEConnectionStateChecking)
	e.clock.Advance(DefaultRestartVerifyTimeout - time.Second)
	a.sync()

	assert.Equal(t, 1, fake.Restarts())
	assert.Equal(t, 1, e.restartOffers(t, "a", "d"))
	assert.Len(t, a.factory.Created(), 1)
}

func TestGreaterSideWaitsForRestart(t *testing.T) {
	e := newEnv()
	z := e.node(t, "z", false)
	z.join(t)
	fake := negotiated(t, e, z, "z", "d")

	fake.SetICEState(webrtc.ICEConnectionStateChecking)
	require.Eventually(t, z.stateIs("d", StateChecking), waitFor, tick)

	e.clock.Advance(DefaultCheckingTimeout)
	z.sync()
	assert.Equal(t, 0, fake.Restarts())

	// verification expires, so the link is reset and d is asked to reconnect
	e.clock.Advance(DefaultRestartVerifyTimeout)
	assert.Eventually(t, func() bool { return len(e.sent("z", "d", message.RECONNECT)) == 1 }, waitFor, tick)
	assert.Len(t, z.factory.Created(), 2)
	assert.True(t, fake.Closed())
	assert.Equal(t, 0, e.restartOffers(t, "z", "d"))
}

func TestRestartRecovers(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	fake := negotiated(t, e, a, "a", "d")

	fake.SetICEState(webrtc.ICEConnectionStateConnected)
	fake.SetICEState(webrtc.ICEConnectionStateDisconnected)
	assert.Eventually(t, func() bool { return fake.Restarts() == 1 }, waitFor, tick)

	e.answer(t, "d", "a", 2, 2, "answer:d:2")
	require.Eventually(t, func() bool {
		return fake.SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	fake.SetICEState(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, a.stateIs("d", StateConnected), waitFor, tick)

	// the verification timer was cancelled
	e.clock.Advance(DefaultRestartVerifyTimeout)
	a.sync()
	assert.Len(t, a.factory.Created(), 1)
	assert.False(t, fake.Closed())
}

func TestFailedLinkIsReset(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	first := negotiated(t, e, a, "a", "d")

	first.SetICEState(webrtc.ICEConnectionStateFailed)
	assert.Eventually(t, func() bool { return len(a.factory.Created()) == 2 }, waitFor, tick)
	a.sync()

	assert.True(t, first.Closed())
	assert.Eventually(t, func() bool { return len(e.sent("a", "d", message.OFFER)) == 2 }, waitFor, tick)
	assert.Equal(t, 0, e.restartOffers(t, "a", "d"))
	state, ok := a.LinkState("d")
	require.True(t, ok)
	assert.Equal(t, StateNegotiating, state)

	// a stale event from the replaced connection is ignored
	first.SetICEState(webrtc.ICEConnectionStateConnected)
	a.sync()
	state, _ = a.LinkState("d")
	assert.Equal(t, StateNegotiating, state)
}

func TestResetsExhausted(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	require.NoError(t, a.Connect(context.Background(), meeting, []string{"d"}))

	for i := 0; i <= DefaultMaxResetAttempts; i++ {
		a.factory.Last().SetICEState(webrtc.ICEConnectionStateFailed)
		a.sync()
	}

	assert.Len(t, a.factory.Created(), DefaultMaxResetAttempts+1)
	assert.Empty(t, a.Peers())
	assert.Eventually(t, func() bool {
		_, disconnected, _, _ := a.recorder.snapshot()
		return assert.ObjectsAreEqual([]string{"d"}, disconnected)
	}, waitFor, tick)
}

func TestConnectedClearsResetCount(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	require.NoError(t, a.Connect(context.Background(), meeting, []string{"d"}))

	for i := 0; i < 2*DefaultMaxResetAttempts; i++ {
		fake := a.factory.Last()
		fake.SetICEState(webrtc.ICEConnectionStateFailed)
		a.sync()
		if i%2 == 1 {
			a.factory.Last().SetICEState(webrtc.ICEConnectionStateConnected)
			a.sync()
		}
	}

	assert.Equal(t, []string{"d"}, a.Peers())
	_, disconnected, _, _ := a.recorder.snapshot()
	assert.Empty(t, disconnected)
}

func TestNegotiationTimeoutResets(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	require.NoError(t, a.Connect(context.Background(), meeting, []string{"d"}))
	first := a.factory.Last()

	e.clock.Advance(DefaultCheckingTimeout)
	assert.Eventually(t, func() bool { return len(a.factory.Created()) == 2 }, waitFor, tick)
	assert.True(t, first.Closed())
}

func TestSweepRepairsMissedTransitions(t *testing.T) {
	tests := []struct {
		name   string
		actual webrtc.ICEConnectionState
		check  func(t *testing.T, a *node, fake *peertest.Fake)
	}{
		{
			name:   "given a missed failure when swept then the link is reset",
			actual: webrtc.ICEConnectionStateFailed,
			check: func(t *testing.T, a *node, fake *peertest.Fake) {
				assert.Eventually(t, func() bool { return len(a.factory.Created()) == 2 }, waitFor, tick)
				assert.True(t, fake.Closed())
			},
		},
		{
			name:   "given a missed disconnect when swept then ice is restarted",
			actual: webrtc.ICEConnectionStateDisconnected,
			check: func(t *testing.T, a *node, fake *peertest.Fake) {
				assert.Eventually(t, func() bool { return fake.Restarts() == 1 }, waitFor, tick)
				assert.Eventually(t, a.stateIs("d", StateDisconnected), waitFor, tick)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			a := e.node(t, "a", false)
			a.join(t)
			fake := negotiated(t, e, a, "a", "d")
			fake.SetICEState(webrtc.ICEConnectionStateConnected)
			require.Eventually(t, a.stateIs("d", StateConnected), waitFor, tick)

			fake.SetICEStateSilently(tt.actual)
			e.clock.Advance(DefaultSweepInterval)
			tt.check(t, a, fake)
		})
	}
}

func TestConnectedCancelsTimers(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	a.join(t)
	fake := negotiated(t, e, a, "a", "d")

	fake.SetICEState(webrtc.ICEConnectionStateChecking)
	fake.SetICEState(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, a.stateIs("d", StateConnected), waitFor, tick)

	// only the sweep ticker remains
	assert.Equal(t, 1, e.clock.Pending())
}

func TestSimultaneousResetsConverge(t *testing.T) {
	e := newEnv()
	a := e.node(t, "a", false)
	b := e.node(t, "b", false)
	a.join(t)
	b.join(t)
	require.NoError(t, a.Connect(context.Background(), meeting, []string{"b"}))
	require.Eventually(t, func() bool {
		return a.factory.Last().SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)

	// both sides give up on the link before hearing from each other
	e.hub.Hold()
	a.inspect(func() { a.reset(a.links["b"]) })
	b.inspect(func() { b.reset(b.links["a"]) })
	require.Eventually(t, func() bool {
		return len(e.sent("a", "b", message.OFFER)) == 2 && len(e.sent("b", "a", message.RECONNECT)) == 1
	}, waitFor, tick)
	e.hub.Release()

	// a replaces its link for the reconnect, so the answer to its second offer is stale
	require.Eventually(t, func() bool { return len(e.sent("b", "a", message.ANSWER)) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		remote := a.factory.Last().RemoteDescription()
		local := b.factory.Last().LocalDescription()
		return remote != nil && local != nil && remote.SDP == local.SDP
	}, waitFor, tick)

	assert.Len(t, a.factory.Created(), 3)
	assert.Len(t, b.factory.Created(), 3)
	assert.Equal(t, webrtc.SignalingStateStable, a.factory.Last().SignalingState())
	assert.Equal(t, a.factory.Last().LocalDescription().SDP, b.factory.Last().RemoteDescription().SDP)
}
