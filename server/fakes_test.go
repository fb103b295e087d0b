package main

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"snake-arena/arena"
)

type sentEvent struct {
	Room    string // empty for direct sends
	Client  string
	Event   string
	Payload any
}

// fakeRooms records everything the game sends.
type fakeRooms struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	events  []sentEvent
	// ackErr fails every ack round; blockAcks makes rounds wait for ctx.
	ackErr    error
	blockAcks bool
	ackRounds int
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{members: make(map[string]map[string]bool)}
}

func (f *fakeRooms) Join(room, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[room] == nil {
		f.members[room] = make(map[string]bool)
	}
	f.members[room][clientID] = true
}

func (f *fakeRooms) Leave(room, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[room], clientID)
}

func (f *fakeRooms) Broadcast(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Room: room, Event: event, Payload: payload})
}

func (f *fakeRooms) Send(clientID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Client: clientID, Event: event, Payload: payload})
}

func (f *fakeRooms) BroadcastWithAck(ctx context.Context, room, event string, payload any) error {
	f.mu.Lock()
	f.ackRounds++
	f.events = append(f.events, sentEvent{Room: room, Event: event, Payload: payload})
	err, block := f.ackErr, f.blockAcks
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeRooms) Events(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// StateChanges returns the states broadcast with state-changed, in order.
func (f *fakeRooms) StateChanges(room string) []arena.GameState {
	var out []arena.GameState
	for _, e := range f.Events(arena.EvtStateChanged) {
		if e.Room == room {
			out = append(out, e.Payload.(arena.StateChangedMsg).State)
		}
	}
	return out
}

func (f *fakeRooms) HasPayload(event string, payload any) bool {
	for _, e := range f.Events(event) {
		if e.Payload == payload {
			return true
		}
	}
	return false
}

func (f *fakeRooms) InRoom(room, clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[room][clientID]
}

// recordingSink keeps every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) Count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

const (
	waitFor  = 2 * time.Second
	pollEach = 5 * time.Millisecond
)

func testDefaults(t *testing.T) GameDefaults {
	t.Helper()
	d, err := LoadGameDefaults("")
	require.NoError(t, err)
	return d
}

func testConfig(mut func(*arena.SessionConfig)) arena.SessionConfig {
	cfg := arena.DefaultSessionConfig()
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

// testEnv is a fully wired game core on a fake clock and fake transport.
type testEnv struct {
	t          *testing.T
	clock      *clockwork.FakeClock
	rooms      *fakeRooms
	sink       *recordingSink
	registry   *Registry
	timers     *TimerManager
	spawner    *Spawner
	dispatcher *Dispatcher
	defaults   GameDefaults
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rooms := newFakeRooms()
	sink := &recordingSink{}
	defaults := testDefaults(t)
	registry := NewRegistry(10, defaults.Collectables, rand.New(rand.NewPCG(1, 2)), clock)
	timers := NewTimerManager(clock, rooms, registry.Get)
	spawner := NewSpawner(clock, rooms, registry.Get, defaults.Spawner, rand.New(rand.NewPCG(3, 4)))
	d := NewDispatcher(DispatcherConfig{
		Registry:     registry,
		Rooms:        rooms,
		Timers:       timers,
		Spawner:      spawner,
		Sink:         sink,
		Defaults:     defaults,
		ReadyTimeout: 5 * time.Second,
		Clock:        clock,
	})
	return &testEnv{
		t:          t,
		clock:      clock,
		rooms:      rooms,
		sink:       sink,
		registry:   registry,
		timers:     timers,
		spawner:    spawner,
		dispatcher: d,
		defaults:   defaults,
	}
}

// call sends one request with an ack id and returns the reply, if any.
func (e *testEnv) call(clientID, event string, payload any) (arena.Envelope, bool) {
	e.t.Helper()
	env := arena.InEnvelope{T: event, Ack: 1}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(e.t, err)
		env.D = raw
	}
	var reply arena.Envelope
	got := false
	e.dispatcher.Serve(context.Background(), clientID, env, func(r arena.Envelope) {
		reply, got = r, true
	})
	return reply, got
}

func (e *testEnv) mustCall(clientID, event string, payload any) any {
	e.t.Helper()
	reply, ok := e.call(clientID, event, payload)
	require.True(e.t, ok, "no reply to %s", event)
	require.Equal(e.t, arena.EvtAck, reply.T)
	if er, isErr := reply.D.(arena.ErrorResponse); isErr {
		e.t.Fatalf("%s failed: %s (%s)", event, er.Error, er.Code)
	}
	return reply.D
}

func (e *testEnv) create(clientID string, cfg *arena.SessionConfig) *Session {
	e.t.Helper()
	snap := e.mustCall(clientID, arena.EvtCreateSession, arena.CreateSessionMsg{
		Player: arena.PlayerInfo{Name: clientID},
		Config: cfg,
	}).(arena.SessionSnapshot)
	sess := e.registry.Get(snap.ID)
	require.NotNil(e.t, sess)
	return sess
}

func (e *testEnv) join(clientID string, sess *Session) {
	e.t.Helper()
	e.mustCall(clientID, arena.EvtJoinSession, arena.JoinSessionMsg{
		SessionID: sess.ID,
		Player:    arena.PlayerInfo{Name: clientID},
	})
}

// startRunning skips the readiness round and countdown.
func (e *testEnv) startRunning(sess *Session, hostID string) {
	e.t.Helper()
	round, err := sess.Prepare(hostID)
	require.NoError(e.t, err)
	require.True(e.t, sess.Start(round))
}

func (e *testEnv) blockUntil(n int) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(e.t, e.clock.BlockUntilContext(ctx, n))
}

// newRunningSession builds a standalone RUNNING session with players p1..pn, p1 hosting.
func newRunningSession(t *testing.T, clock clockwork.Clock, cfg arena.SessionConfig, players ...string) *Session {
	t.Helper()
	sess := NewSession("TEST01", cfg, arena.DefaultCollectableTable(), rand.New(rand.NewPCG(7, 8)), clock)
	for _, id := range players {
		require.NoError(t, sess.addPlayer(NewPlayer(id, arena.PlayerInfo{Name: id}, clock.Now())))
	}
	round, err := sess.Prepare(players[0])
	require.NoError(t, err)
	require.True(t, sess.Start(round))
	return sess
}

// putCollectable places a collectable directly.
func putCollectable(sess *Session, id string, typ arena.CollectableType, pos arena.Vec) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.collectables[id] = &Collectable{ID: id, Spec: sess.table.Lookup(typ), Position: pos}
}
