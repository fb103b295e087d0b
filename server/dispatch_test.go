package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snake-arena/arena"
)

func requireErrorCode(t *testing.T, reply arena.Envelope, code Code) {
	t.Helper()
	er, ok := reply.D.(arena.ErrorResponse)
	require.True(t, ok, "expected an error reply, got %#v", reply.D)
	require.Equal(t, string(code), er.Code)
}

func requireStatus(t *testing.T, reply arena.Envelope, want bool) {
	t.Helper()
	require.Equal(t, arena.StatusResponse{Status: want}, reply.D)
}

func TestDispatchCapacityScenario(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.MaxPlayers = 2 })
	sess := e.create("a", &cfg)
	e.join("b", sess)

	reply, ok := e.call("c", arena.EvtJoinSession, arena.JoinSessionMsg{SessionID: sess.ID})
	require.True(t, ok)
	requireErrorCode(t, reply, CodeCapacityExceeded)
	require.Equal(t, 2, sess.PlayerCount())
	require.False(t, e.rooms.InRoom(sess.ID, "c"))

	joined := e.rooms.Events(arena.EvtSessionPlayerJoined)
	require.Len(t, joined, 1)
	require.Equal(t, "b", joined[0].Payload.(arena.PlayerJoinedMsg).Player.ID)
}

func TestDispatchJoin(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("a", nil)

	reply, _ := e.call("b", arena.EvtJoinSession, arena.JoinSessionMsg{SessionID: "ZZZZZZ"})
	requireErrorCode(t, reply, CodeNotFound)

	reply, _ = e.call("a", arena.EvtJoinSession, arena.JoinSessionMsg{SessionID: sess.ID})
	requireErrorCode(t, reply, CodeConflict)

	// codes are case-insensitive
	snap := e.mustCall("b", arena.EvtJoinSession, arena.JoinSessionMsg{
		SessionID: " " + strings.ToLower(sess.ID) + " ",
		Player:    arena.PlayerInfo{Name: "Bee", Color: "#00FF00"},
	}).(arena.SessionSnapshot)
	require.Equal(t, sess.ID, snap.ID)
	require.Equal(t, "Bee", snap.Players["b"].Name)
	require.Equal(t, arena.RoleGuest, snap.Players["b"].Role)
	require.True(t, e.rooms.InRoom(sess.ID, "b"))
	require.Equal(t, 1, e.sink.Count(EventPlayerJoined))
}

func TestDispatchPrivateSession(t *testing.T) {
	e := newTestEnv(t)
	snap := e.mustCall("a", arena.EvtCreateSession, arena.CreateSessionMsg{Password: "s3cret"}).(arena.SessionSnapshot)
	require.True(t, snap.Private)

	reply, _ := e.call("b", arena.EvtJoinSession, arena.JoinSessionMsg{SessionID: snap.ID, Password: "guess"})
	requireErrorCode(t, reply, CodeForbidden)

	e.mustCall("b", arena.EvtJoinSession, arena.JoinSessionMsg{SessionID: snap.ID, Password: "s3cret"})
	require.Equal(t, 2, e.registry.Get(snap.ID).PlayerCount())
}

func TestDispatchCreateLeavesPreviousSession(t *testing.T) {
	e := newTestEnv(t)
	first := e.create("a", nil)
	second := e.create("a", nil)

	require.NotEqual(t, first.ID, second.ID)
	require.Nil(t, e.registry.Get(first.ID))
	require.Same(t, second, e.registry.ResolveByPlayer("a"))
	require.Equal(t, 2, e.sink.Count(EventSessionCreated))
	require.Equal(t, 1, e.sink.Count(EventSessionDeleted))
}

func TestDispatchJoinLeavesPreviousSession(t *testing.T) {
	e := newTestEnv(t)
	first := e.create("a", nil)
	e.join("b", first)
	second := e.create("c", nil)

	e.join("b", second)
	require.Equal(t, 1, first.PlayerCount())
	require.False(t, e.rooms.InRoom(first.ID, "b"))
	require.True(t, e.rooms.HasPayload(arena.EvtLeftSession, arena.PlayerLeftMsg{ID: "b", HostID: "a"}))
}

func TestDispatchGuestHostOnlyRequestsIgnored(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.join("g", sess)

	_, replied := e.call("g", arena.EvtGetReady, nil)
	require.False(t, replied)
	_, replied = e.call("g", arena.EvtUpdateConfig, arena.SessionConfig{GameDuration: 30})
	require.False(t, replied)
	_, replied = e.call("g", arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateWaiting})
	require.False(t, replied)

	require.Equal(t, arena.StateWaiting, sess.State())
	require.Equal(t, e.defaults.Session.GameDuration, sess.Config().GameDuration)
	require.Empty(t, e.rooms.Events(arena.EvtStateChanged))
}

func TestDispatchUpdateConfig(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)

	cfg := e.mustCall("h", arena.EvtUpdateConfig, arena.SessionConfig{GameDuration: 45, RespawnDelay: 99}).(arena.SessionConfig)
	require.Equal(t, 45, cfg.GameDuration)
	require.Equal(t, arena.MaxRespawnDelay, cfg.RespawnDelay)
	require.Equal(t, cfg, sess.Config())
	require.True(t, e.rooms.HasPayload(arena.EvtConfigUpdated, cfg))
}

func TestDispatchFullMatch(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.GameDuration = arena.MinGameDuration })
	sess := e.create("h", &cfg)
	e.join("g", sess)

	reply, _ := e.call("h", arena.EvtGetReady, nil)
	requireStatus(t, reply, true)
	require.Equal(t, arena.StateReady, sess.State())

	require.Eventually(t, func() bool { return len(e.rooms.Events(arena.EvtCountdownUpdated)) == 1 }, waitFor, pollEach)
	acked := e.rooms.Events(arena.EvtGetReady)
	require.Len(t, acked, 1)
	require.Equal(t, arena.StateReady, acked[0].Payload.(arena.SessionSnapshot).State)

	for n := 2; n <= 3; n++ {
		e.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return len(e.rooms.Events(arena.EvtCountdownUpdated)) == n }, waitFor, pollEach)
	}
	e.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return sess.State() == arena.StateRunning }, waitFor, pollEach)
	require.Eventually(t, func() bool { return e.sink.Count(EventMatchStart) == 1 }, waitFor, pollEach)
	require.True(t, e.spawner.Running(sess.ID))

	for want := cfg.GameDuration - 1; want >= 0; want-- {
		e.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return sess.Remaining() == want }, waitFor, pollEach, "remaining %d", want)
	}
	require.Eventually(t, func() bool { return e.sink.Count(EventMatchEnd) == 1 }, waitFor, pollEach)
	require.Equal(t, arena.StateGameOver, sess.State())
	require.Equal(t, []arena.GameState{arena.StateReady, arena.StateRunning, arena.StateGameOver}, e.rooms.StateChanges(sess.ID))
	require.False(t, e.spawner.Running(sess.ID))

	// the host starts over from the lobby
	e.mustCall("h", arena.EvtStateChanged, "WAITING_FOR_PLAYERS")
	require.Equal(t, arena.StateWaiting, sess.State())
	require.Equal(t, cfg.GameDuration, sess.Remaining())
}

func TestDispatchReadyTimeoutRollsBack(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.join("g", sess)
	e.rooms.blockAcks = true

	e.mustCall("h", arena.EvtGetReady, nil)
	e.blockUntil(1)
	e.clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return sess.State() == arena.StateWaiting }, waitFor, pollEach)
	require.Eventually(t, func() bool {
		for _, ev := range e.rooms.Events(arena.EvtError) {
			if ev.Client == "h" {
				return true
			}
		}
		return false
	}, waitFor, pollEach)
	require.Equal(t, []arena.GameState{arena.StateReady, arena.StateWaiting}, e.rooms.StateChanges(sess.ID))
	require.Empty(t, e.rooms.Events(arena.EvtCountdownUpdated))

	// another round can be started
	e.rooms.mu.Lock()
	e.rooms.blockAcks = false
	e.rooms.mu.Unlock()
	e.mustCall("h", arena.EvtGetReady, nil)
	require.Eventually(t, func() bool { return len(e.rooms.Events(arena.EvtCountdownUpdated)) == 1 }, waitFor, pollEach)
}

func TestDispatchReadyAckFailure(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.rooms.ackErr = errors.New("client went away")

	e.mustCall("h", arena.EvtGetReady, nil)
	require.Eventually(t, func() bool { return sess.State() == arena.StateWaiting }, waitFor, pollEach)

	reply, _ := e.call("h", arena.EvtGetReady, nil)
	requireStatus(t, reply, true)
}

func TestDispatchGetReadyTwice(t *testing.T) {
	e := newTestEnv(t)
	e.create("h", nil)
	e.rooms.blockAcks = true

	e.mustCall("h", arena.EvtGetReady, nil)
	reply, _ := e.call("h", arena.EvtGetReady, nil)
	requireErrorCode(t, reply, CodeConflict)
}

func TestDispatchItemCollected(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.join("g", sess)
	e.startRunning(sess, "h")
	putCollectable(sess, "c1", arena.CollectableGrowth, arena.Vec{X: 700, Y: 700})

	reply, _ := e.call("h", arena.EvtItemCollected, "c1")
	requireStatus(t, reply, true)
	reply, _ = e.call("g", arena.EvtItemCollected, arena.ItemCollectedMsg{ID: "c1"})
	requireStatus(t, reply, false)

	removed := e.rooms.Events(arena.EvtItemCollected)
	require.Len(t, removed, 1)
	require.Equal(t, arena.ItemRemovedMsg{ID: "c1", PlayerID: "h", Score: 1}, removed[0].Payload)
	require.Equal(t, 1, e.sink.Count(EventItemCollected))
}

func TestDispatchCollisionDisabled(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.WorldCollision = false })
	sess := e.create("h", &cfg)
	e.startRunning(sess, "h")

	reply, _ := e.call("h", arena.EvtCollision, "WORLD")
	requireStatus(t, reply, false)
	require.Empty(t, e.rooms.Events(arena.EvtPlayerDied))

	reply, _ = e.call("h", arena.EvtCollision, "BANANA")
	requireErrorCode(t, reply, CodeInvalidRequest)
}

func TestDispatchCollisionRespawns(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.RespawnDelay = 2 })
	sess := e.create("h", &cfg)
	e.join("g", sess)
	e.startRunning(sess, "h")

	reply, _ := e.call("g", arena.EvtCollision, arena.CollisionMsg{Type: arena.CollisionPlayer})
	requireStatus(t, reply, true)
	require.True(t, e.rooms.HasPayload(arena.EvtPlayerDied, arena.PlayerDiedMsg{ID: "g", Cause: arena.CollisionPlayer}))
	require.Equal(t, 1, e.sink.Count(EventPlayerDeath))

	reply, _ = e.call("g", arena.EvtCollision, "PLAYER")
	requireStatus(t, reply, false)

	e.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(e.rooms.Events(arena.EvtPlayerRespawned)) == 1 }, waitFor, pollEach)
	p, _ := sess.Player("g")
	require.Equal(t, arena.StatusAlive, p.Status)
}

func TestDispatchLastDeathEndsMatch(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.RespawnEnabled = false })
	sess := e.create("h", &cfg)
	e.join("g", sess)
	e.startRunning(sess, "h")

	e.mustCall("h", arena.EvtCollision, "SELF")
	require.Equal(t, arena.StateRunning, sess.State())
	e.mustCall("g", arena.EvtCollision, "SELF")

	require.Equal(t, arena.StateGameOver, sess.State())
	require.Equal(t, []arena.GameState{arena.StateGameOver}, e.rooms.StateChanges(sess.ID))
	require.Equal(t, 1, e.sink.Count(EventMatchEnd))
}

func TestDispatchLeavingLastSurvivorEndsMatch(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(func(c *arena.SessionConfig) { c.RespawnEnabled = false })
	sess := e.create("h", &cfg)
	e.join("g", sess)
	e.startRunning(sess, "h")

	e.mustCall("g", arena.EvtCollision, "SELF")
	e.dispatcher.Disconnect("h")

	require.Equal(t, arena.StateGameOver, sess.State())
	require.Equal(t, "g", sess.HostID())
	require.Equal(t, 1, e.sink.Count(EventMatchEnd))
}

func TestDispatchLeaveAndHostChange(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.join("g1", sess)
	e.join("g2", sess)

	reply, _ := e.call("h", arena.EvtLeaveSession, nil)
	requireStatus(t, reply, true)
	require.True(t, e.rooms.HasPayload(arena.EvtLeftSession, arena.PlayerLeftMsg{ID: "h", HostID: "g1"}))
	require.False(t, e.rooms.InRoom(sess.ID, "h"))

	reply, _ = e.call("h", arena.EvtLeaveSession, nil)
	requireStatus(t, reply, false)

	e.dispatcher.Disconnect("g1")
	require.True(t, e.rooms.HasPayload(arena.EvtDisconnected, arena.PlayerLeftMsg{ID: "g1", HostID: "g2"}))
	require.Equal(t, "g2", sess.HostID())

	e.dispatcher.Disconnect("g2")
	require.Nil(t, e.registry.Get(sess.ID))
	require.Equal(t, 1, e.sink.Count(EventSessionDeleted))
}

func TestDispatchPauseResumeReset(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	e.join("g", sess)
	e.startRunning(sess, "h")

	e.mustCall("g", arena.EvtStateChanged, "PAUSED")
	require.Equal(t, arena.StatePaused, sess.State())
	reply, _ := e.call("h", arena.EvtStateChanged, "PAUSED")
	requireErrorCode(t, reply, CodeConflict)

	e.mustCall("h", arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateRunning})
	require.Equal(t, arena.StateRunning, sess.State())

	reply, _ = e.call("h", arena.EvtStateChanged, "READY")
	requireErrorCode(t, reply, CodeInvalidRequest)

	e.mustCall("h", arena.EvtStateChanged, "WAITING_FOR_PLAYERS")
	require.Equal(t, arena.StateWaiting, sess.State())
	require.Equal(t,
		[]arena.GameState{arena.StatePaused, arena.StateRunning, arena.StateWaiting},
		e.rooms.StateChanges(sess.ID))
}

func TestDispatchMovement(t *testing.T) {
	e := newTestEnv(t)
	sess := e.create("h", nil)
	body := arena.NewSnakeBody(arena.Vec{X: 400, Y: 400}, arena.Vec{X: 1}, 5, 8)

	// ignored outside a running match
	e.mustCall("h", arena.EvtPlayerMovement, arena.SnakeState{Speed: 3, Scale: 1, Segments: body})

	e.startRunning(sess, "h")
	e.mustCall("h", arena.EvtPlayerMovement, arena.SnakeState{Speed: 3, Scale: 1, Direction: arena.Vec{X: 1}, Segments: body})
	p, _ := sess.Player("h")
	require.Equal(t, body, p.Snake.Segments)

	reply, _ := e.call("h", arena.EvtPlayerMovement, arena.SnakeState{Speed: 3})
	requireErrorCode(t, reply, CodeInvalidRequest)
}

func TestDispatchGetCurrentSession(t *testing.T) {
	e := newTestEnv(t)
	reply, _ := e.call("x", arena.EvtGetCurrentSession, nil)
	requireErrorCode(t, reply, CodeNotFound)

	sess := e.create("x", nil)
	snap := e.mustCall("x", arena.EvtGetCurrentSession, nil).(arena.SessionSnapshot)
	require.Equal(t, sess.ID, snap.ID)
}

func TestDispatchErrorWithoutAck(t *testing.T) {
	e := newTestEnv(t)
	var got []arena.Envelope
	e.dispatcher.Serve(context.Background(), "x", arena.InEnvelope{T: "fly"}, func(env arena.Envelope) {
		got = append(got, env)
	})
	require.Len(t, got, 1)
	require.Equal(t, arena.EvtError, got[0].T)
	require.Equal(t, string(CodeInvalidRequest), got[0].D.(arena.ErrorResponse).Code)

	// without an ack id the response comes back under the request's event
	got = nil
	e.dispatcher.Serve(context.Background(), "x", arena.InEnvelope{T: arena.EvtLeaveSession}, func(env arena.Envelope) {
		got = append(got, env)
	})
	require.Len(t, got, 1)
	require.Equal(t, arena.EvtLeaveSession, got[0].T)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		env     arena.InEnvelope
		want    Request
		wantErr bool
	}{
		{"bare item id", arena.InEnvelope{T: arena.EvtItemCollected, D: json.RawMessage(`"c1"`)}, ItemCollectedReq{ID: "c1"}, false},
		{"item object", arena.InEnvelope{T: arena.EvtItemCollected, D: json.RawMessage(`{"id":"c1"}`)}, ItemCollectedReq{ID: "c1"}, false},
		{"bare collision", arena.InEnvelope{T: arena.EvtCollision, D: json.RawMessage(`"SELF"`)}, CollisionReq{Type: arena.CollisionSelf}, false},
		{"state object", arena.InEnvelope{T: arena.EvtStateChanged, D: json.RawMessage(`{"state":"PAUSED"}`)}, StateChangedReq{State: arena.StatePaused}, false},
		{"create without payload", arena.InEnvelope{T: arena.EvtCreateSession}, CreateSessionReq{}, false},
		{"join without payload", arena.InEnvelope{T: arena.EvtJoinSession}, nil, true},
		{"malformed join", arena.InEnvelope{T: arena.EvtJoinSession, D: json.RawMessage(`[1,2]`)}, nil, true},
		{"item without payload", arena.InEnvelope{T: arena.EvtItemCollected}, nil, true},
		{"unknown event", arena.InEnvelope{T: "teleport"}, nil, true},
		{"leave ignores payload", arena.InEnvelope{T: arena.EvtLeaveSession, D: json.RawMessage(`{"x":1}`)}, LeaveSessionReq{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRequest(tt.env)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
