package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"snake-arena/arena"
)

// Rooms is the transport as seen by the game: clients grouped by session id.
type Rooms interface {
	Join(room, clientID string)
	Leave(room, clientID string)
	Broadcast(room, event string, payload any)
	Send(clientID, event string, payload any)
	// BroadcastWithAck sends to every member of room and waits until all of
	// them acknowledged or ctx is done.
	BroadcastWithAck(ctx context.Context, room, event string, payload any) error
}

// Request is the closed set of messages a client can send.
type Request interface {
	request()
}

type CreateSessionReq struct{ arena.CreateSessionMsg }
type JoinSessionReq struct{ arena.JoinSessionMsg }
type LeaveSessionReq struct{}
type UpdateConfigReq struct{ Config arena.SessionConfig }
type GetReadyReq struct{}
type GetCurrentSessionReq struct{}
type PlayerMovementReq struct{ State arena.SnakeState }
type ItemCollectedReq struct{ ID string }
type CollisionReq struct{ Type arena.CollisionType }
type StateChangedReq struct{ State arena.GameState }

func (CreateSessionReq) request()     {}
func (JoinSessionReq) request()       {}
func (LeaveSessionReq) request()      {}
func (UpdateConfigReq) request()      {}
func (GetReadyReq) request()          {}
func (GetCurrentSessionReq) request() {}
func (PlayerMovementReq) request()    {}
func (ItemCollectedReq) request()     {}
func (CollisionReq) request()         {}
func (StateChangedReq) request()      {}

// decodeRequest turns an envelope into a typed request. item-collected,
// collision and state-changed accept either a bare string or an object.
func decodeRequest(env arena.InEnvelope) (Request, error) {
	switch env.T {
	case arena.EvtCreateSession:
		var m arena.CreateSessionMsg
		if err := decodePayload(env.D, &m, true); err != nil {
			return nil, err
		}
		return CreateSessionReq{m}, nil
	case arena.EvtJoinSession:
		var m arena.JoinSessionMsg
		if err := decodePayload(env.D, &m, false); err != nil {
			return nil, err
		}
		return JoinSessionReq{m}, nil
	case arena.EvtLeaveSession:
		return LeaveSessionReq{}, nil
	case arena.EvtUpdateConfig:
		var c arena.SessionConfig
		if err := decodePayload(env.D, &c, false); err != nil {
			return nil, err
		}
		return UpdateConfigReq{c}, nil
	case arena.EvtGetReady:
		return GetReadyReq{}, nil
	case arena.EvtGetCurrentSession:
		return GetCurrentSessionReq{}, nil
	case arena.EvtPlayerMovement:
		var s arena.SnakeState
		if err := decodePayload(env.D, &s, false); err != nil {
			return nil, err
		}
		return PlayerMovementReq{s}, nil
	case arena.EvtItemCollected:
		var m arena.ItemCollectedMsg
		if err := decodeStringOr(env.D, &m.ID, &m); err != nil {
			return nil, err
		}
		return ItemCollectedReq{m.ID}, nil
	case arena.EvtCollision:
		var m arena.CollisionMsg
		if err := decodeStringOr(env.D, (*string)(&m.Type), &m); err != nil {
			return nil, err
		}
		return CollisionReq{m.Type}, nil
	case arena.EvtStateChanged:
		var m arena.StateChangedMsg
		if err := decodeStringOr(env.D, (*string)(&m.State), &m); err != nil {
			return nil, err
		}
		return StateChangedReq{m.State}, nil
	}
	return nil, newError(CodeInvalidRequest, fmt.Sprintf("unknown event %q", env.T))
}

func decodePayload(raw json.RawMessage, v any, optional bool) error {
	if len(raw) == 0 || string(raw) == "null" {
		if optional {
			return nil
		}
		return newError(CodeInvalidRequest, "missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return wrapError(CodeInvalidRequest, "malformed payload", err)
	}
	return nil
}

func decodeStringOr(raw json.RawMessage, s *string, obj any) error {
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, s); err != nil {
			return wrapError(CodeInvalidRequest, "malformed payload", err)
		}
		return nil
	}
	return decodePayload(raw, obj, false)
}

// DispatcherConfig wires the dispatcher to the rest of the server.
type DispatcherConfig struct {
	Registry     *Registry
	Rooms        Rooms
	Timers       *TimerManager
	Spawner      *Spawner
	Sink         EventSink
	Defaults     GameDefaults
	ReadyTimeout time.Duration
	Clock        clockwork.Clock
}

// Dispatcher routes decoded client requests to the session state machine and
// fans the results out to rooms.
type Dispatcher struct {
	registry     *Registry
	rooms        Rooms
	timers       *TimerManager
	spawner      *Spawner
	sink         EventSink
	defaults     GameDefaults
	readyTimeout time.Duration
	clock        clockwork.Clock
	tracer       trace.Tracer
	log          zerolog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		registry:     cfg.Registry,
		rooms:        cfg.Rooms,
		timers:       cfg.Timers,
		spawner:      cfg.Spawner,
		sink:         cfg.Sink,
		defaults:     cfg.Defaults,
		readyTimeout: cfg.ReadyTimeout,
		clock:        cfg.Clock,
		tracer:       otel.Tracer("snake-arena/server"),
		log:          componentLogger("dispatch"),
	}
	if d.sink == nil {
		d.sink = nopSink{}
	}
	if d.readyTimeout <= 0 {
		d.readyTimeout = 5 * time.Second
	}
	d.timers.SetGameOverHook(d.matchEnded)
	d.registry.OnDelete(func(s *Session) {
		d.timers.StopAll(s.ID)
		d.spawner.Stop(s.ID)
		d.emit(EventSessionDeleted, s.ID, "", nil)
		d.log.Info().Str("session_id", s.ID).Msg("session deleted")
	})
	return d
}

func (d *Dispatcher) emit(typ, sessionID, playerID string, data any) {
	d.sink.Emit(Event{Type: typ, SessionID: sessionID, PlayerID: playerID, Data: data, At: d.clock.Now().UTC()})
}

// Serve handles one envelope from a client. reply delivers the response to
// that client only.
func (d *Dispatcher) Serve(ctx context.Context, clientID string, env arena.InEnvelope, reply func(arena.Envelope)) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+env.T, trace.WithAttributes(
		attribute.String("player.id", clientID),
		attribute.String("event", env.T),
	))
	defer span.End()

	resp, err := d.serveSafe(ctx, clientID, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrUnauthorized) {
			d.log.Debug().Str("player_id", clientID).Str("event", env.T).Msg("ignored request from non-host")
			return
		}
		if errors.Is(err, ErrInternal) {
			d.log.Error().Err(err).Str("player_id", clientID).Str("event", env.T).Msg("request failed")
		} else {
			d.log.Debug().Err(err).Str("player_id", clientID).Str("event", env.T).Msg("request rejected")
		}
		if env.Ack != 0 {
			reply(arena.Envelope{T: arena.EvtAck, Ack: env.Ack, D: errorResponse(err)})
		} else {
			reply(arena.Envelope{T: arena.EvtError, D: errorResponse(err)})
		}
		return
	}
	switch {
	case env.Ack != 0:
		reply(arena.Envelope{T: arena.EvtAck, Ack: env.Ack, D: resp})
	case resp != nil:
		reply(arena.Envelope{T: env.T, D: resp})
	}
}

func (d *Dispatcher) serveSafe(ctx context.Context, clientID string, env arena.InEnvelope) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("player_id", clientID).Str("event", env.T).Bytes("stack", debug.Stack()).Msgf("panic: %v", r)
			resp, err = nil, wrapError(CodeInternal, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()
	req, err := decodeRequest(env)
	if err != nil {
		return nil, err
	}
	return d.handle(ctx, clientID, req)
}

func (d *Dispatcher) handle(ctx context.Context, clientID string, req Request) (any, error) {
	switch r := req.(type) {
	case CreateSessionReq:
		return d.createSession(clientID, r)
	case JoinSessionReq:
		return d.joinSession(clientID, r)
	case LeaveSessionReq:
		return arena.StatusResponse{Status: d.leave(clientID, arena.EvtLeftSession)}, nil
	case UpdateConfigReq:
		return d.updateConfig(clientID, r)
	case GetReadyReq:
		return d.getReady(ctx, clientID)
	case GetCurrentSessionReq:
		sess := d.registry.ResolveByPlayer(clientID)
		if sess == nil {
			return nil, newError(CodeNotFound, "not in a session")
		}
		return sess.Snapshot(), nil
	case PlayerMovementReq:
		return nil, d.movement(clientID, r)
	case ItemCollectedReq:
		return d.itemCollected(clientID, r)
	case CollisionReq:
		return d.collision(clientID, r)
	case StateChangedReq:
		return d.stateChanged(clientID, r)
	}
	return nil, newError(CodeInvalidRequest, fmt.Sprintf("unhandled request %T", req))
}

func (d *Dispatcher) session(clientID string) (*Session, error) {
	sess := d.registry.ResolveByPlayer(clientID)
	if sess == nil {
		return nil, newError(CodeNotFound, "not in a session")
	}
	return sess, nil
}

func (d *Dispatcher) createSession(clientID string, r CreateSessionReq) (any, error) {
	d.leave(clientID, arena.EvtLeftSession)

	cfg := d.defaults.Session
	if r.Config != nil {
		cfg = r.Config.Normalize(d.defaults.Session)
	}
	var hash []byte
	if r.Password != "" {
		h, err := hashPassword(r.Password)
		if err != nil {
			return nil, wrapError(CodeInvalidRequest, "unusable password", err)
		}
		hash = h
	}
	p := NewPlayer(clientID, r.Player, d.clock.Now())
	sess, err := d.registry.Create(cfg, p, hash)
	if err != nil {
		return nil, err
	}
	d.rooms.Join(sess.ID, clientID)
	d.emit(EventSessionCreated, sess.ID, clientID, cfg)
	d.log.Info().Str("session_id", sess.ID).Str("player_id", clientID).Bool("private", len(hash) > 0).Msg("session created")
	return sess.Snapshot(), nil
}

func (d *Dispatcher) joinSession(clientID string, r JoinSessionReq) (any, error) {
	sid := strings.ToUpper(strings.TrimSpace(r.SessionID))
	sess := d.registry.Get(sid)
	if sess == nil {
		return nil, newError(CodeNotFound, "session not found")
	}
	if !sess.CheckPassword(r.Password) {
		return nil, newError(CodeForbidden, "wrong session password")
	}
	if cur := d.registry.ResolveByPlayer(clientID); cur != nil {
		if cur.ID == sid {
			return nil, newError(CodeConflict, "already in this session")
		}
		d.leave(clientID, arena.EvtLeftSession)
	}
	p := NewPlayer(clientID, r.Player, d.clock.Now())
	if _, err := d.registry.Join(sid, p); err != nil {
		return nil, err
	}
	d.rooms.Join(sid, clientID)
	if snap, ok := sess.Player(clientID); ok {
		d.rooms.Broadcast(sid, arena.EvtSessionPlayerJoined, arena.PlayerJoinedMsg{Player: snap})
	}
	d.emit(EventPlayerJoined, sid, clientID, nil)
	return sess.Snapshot(), nil
}

// leave removes the client from its session, if any, and tells the rest of the
// room using event. It reports whether the client was in a session.
func (d *Dispatcher) leave(clientID, event string) bool {
	res := d.registry.Leave(clientID)
	if res.SessionID == "" {
		return false
	}
	d.rooms.Leave(res.SessionID, clientID)
	d.timers.CancelRespawn(res.SessionID, clientID)
	if !res.Left || res.Deleted {
		return res.Left
	}
	d.rooms.Broadcast(res.SessionID, event, arena.PlayerLeftMsg{ID: clientID, HostID: res.NewHostID})
	if res.Session.CheckNoSurvivors() {
		d.endMatch(res.Session)
	}
	return true
}

// Disconnect is called by the transport when a client goes away.
func (d *Dispatcher) Disconnect(clientID string) {
	if d.leave(clientID, arena.EvtDisconnected) {
		d.log.Debug().Str("player_id", clientID).Msg("player disconnected from session")
	}
}

func (d *Dispatcher) updateConfig(clientID string, r UpdateConfigReq) (any, error) {
	sess, err := d.session(clientID)
	if err != nil {
		return nil, err
	}
	cfg, err := sess.UpdateConfig(clientID, r.Config, d.defaults.Session)
	if err != nil {
		return nil, err
	}
	d.rooms.Broadcast(sess.ID, arena.EvtConfigUpdated, cfg)
	return cfg, nil
}

func (d *Dispatcher) getReady(ctx context.Context, clientID string) (any, error) {
	sess, err := d.session(clientID)
	if err != nil {
		return nil, err
	}
	round, err := sess.Prepare(clientID)
	if err != nil {
		return nil, err
	}
	d.rooms.Broadcast(sess.ID, arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateReady})
	snap := sess.Snapshot()
	go d.readyRound(trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx)), sess, round, clientID, snap)
	return arena.StatusResponse{Status: true}, nil
}

// readyRound waits for every member to acknowledge the prepared snapshot. A
// missing ack returns the session to the lobby; otherwise the countdown runs
// and the match starts.
func (d *Dispatcher) readyRound(ctx context.Context, sess *Session, round uint64, hostID string, snap arena.SessionSnapshot) {
	ctx, cancel := clockwork.WithTimeout(ctx, d.clock, d.readyTimeout)
	defer cancel()
	if err := d.rooms.BroadcastWithAck(ctx, sess.ID, arena.EvtGetReady, snap); err != nil {
		if !sess.RollbackReady(round) {
			return
		}
		d.log.Warn().Err(err).Str("session_id", sess.ID).Msg("readiness round failed, back to lobby")
		d.rooms.Broadcast(sess.ID, arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateWaiting})
		d.rooms.Send(hostID, arena.EvtError, arena.ErrorResponse{Error: "not every player acknowledged in time", Code: string(CodeConflict)})
		return
	}
	if !sess.InRound(round) {
		return
	}
	d.timers.StartCountdown(sess, round, func() { d.startMatch(sess, round) })
}

func (d *Dispatcher) startMatch(sess *Session, round uint64) {
	d.timers.StartMatch(sess)
	d.spawner.Start(sess)
	if !sess.Start(round) {
		d.timers.StopMatch(sess.ID)
		d.spawner.Stop(sess.ID)
		return
	}
	d.rooms.Broadcast(sess.ID, arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateRunning})
	d.emit(EventMatchStart, sess.ID, "", nil)
	d.log.Info().Str("session_id", sess.ID).Int("players", sess.PlayerCount()).Msg("match started")
}

// endMatch finishes a match that ended outside the match timer.
func (d *Dispatcher) endMatch(sess *Session) {
	d.timers.StopMatch(sess.ID)
	d.rooms.Broadcast(sess.ID, arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateGameOver})
	d.matchEnded(sess)
}

func (d *Dispatcher) matchEnded(sess *Session) {
	d.spawner.Stop(sess.ID)
	sum := sess.Summary()
	d.emit(EventMatchEnd, sess.ID, "", sum)
	d.log.Info().Str("session_id", sess.ID).Float64("duration", sum.Duration).Msg("match over")
}

func (d *Dispatcher) movement(clientID string, r PlayerMovementReq) error {
	sess, err := d.session(clientID)
	if err != nil {
		return err
	}
	if err := sess.ApplyMovement(clientID, r.State); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	return nil
}

func (d *Dispatcher) itemCollected(clientID string, r ItemCollectedReq) (any, error) {
	sess, err := d.session(clientID)
	if err != nil {
		return nil, err
	}
	item, score, err := sess.Collect(clientID, r.ID)
	if errors.Is(err, ErrConflict) {
		return arena.StatusResponse{Status: false}, nil
	}
	if err != nil {
		return nil, err
	}
	d.rooms.Broadcast(sess.ID, arena.EvtItemCollected, arena.ItemRemovedMsg{ID: item.ID, PlayerID: clientID, Score: score})
	d.emit(EventItemCollected, sess.ID, clientID, item.Type)
	return arena.StatusResponse{Status: true}, nil
}

func (d *Dispatcher) collision(clientID string, r CollisionReq) (any, error) {
	sess, err := d.session(clientID)
	if err != nil {
		return nil, err
	}
	out, err := sess.ReportCollision(clientID, r.Type)
	if errors.Is(err, ErrConflict) {
		return arena.StatusResponse{Status: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if !out.Accepted {
		return arena.StatusResponse{Status: false}, nil
	}
	d.rooms.Broadcast(sess.ID, arena.EvtPlayerDied, arena.PlayerDiedMsg{ID: clientID, Cause: r.Type})
	d.emit(EventPlayerDeath, sess.ID, clientID, r.Type)
	if out.Obstacle != nil {
		d.rooms.Broadcast(sess.ID, arena.EvtSpawnObstacle, *out.Obstacle)
	}
	switch {
	case out.Respawn:
		d.timers.ScheduleRespawn(sess, clientID, out.RespawnAfter)
	case out.GameOver:
		d.endMatch(sess)
	}
	return arena.StatusResponse{Status: true}, nil
}

func (d *Dispatcher) stateChanged(clientID string, r StateChangedReq) (any, error) {
	sess, err := d.session(clientID)
	if err != nil {
		return nil, err
	}
	switch r.State {
	case arena.StatePaused:
		err = sess.Pause(clientID)
	case arena.StateRunning:
		if err = sess.Resume(clientID); err == nil {
			d.spawner.Resume(sess.ID)
		}
	case arena.StateWaiting:
		if err = sess.Reset(clientID); err == nil {
			d.timers.StopAll(sess.ID)
			d.spawner.Stop(sess.ID)
		}
	default:
		return nil, newError(CodeInvalidRequest, fmt.Sprintf("cannot change state to %q", r.State))
	}
	if err != nil {
		return nil, err
	}
	d.rooms.Broadcast(sess.ID, arena.EvtStateChanged, arena.StateChangedMsg{State: r.State})
	return arena.StatusResponse{Status: true}, nil
}
