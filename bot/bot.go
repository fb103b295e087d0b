package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
	"github.com/vmihailenco/msgpack/v5"

	"snake-arena/arena"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 5 * time.Second
	codecMsgpack   = "msgpack"
)

var errClosed = errors.New("connection closed")

// Options configures one bot.
type Options struct {
	URL         string
	Session     string // join this code; empty creates a session
	Password    string
	Name        string
	Codec       string
	Tick        time.Duration
	StartAt     int  // host only: players needed before get-ready is sent
	Rematch     bool // host only: go back to the lobby after GAME_OVER
	Config      *arena.SessionConfig
	Rand        *rand.Rand
	OnSessionID func(string)
}

// RequestError is an error reply from the server.
type RequestError struct {
	Event string
	Code  string
	Msg   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Event, e.Msg, e.Code)
}

// inbound is one decoded message; decode unpacks its payload with the codec
// the message arrived in.
type inbound struct {
	T      string
	Ack    uint64
	decode func(v any) error
}

// call is a request waiting for its ack. apply, when set, runs on the read
// pump with mu held, so the reply lands before any later message.
type call struct {
	reply chan inbound
	apply func(inbound)
}

// Bot is a headless client: it joins a session, answers readiness checks,
// steers its snake and reports pickups and collisions it detects locally.
type Bot struct {
	opts Options
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu        deadlock.Mutex
	world     *world
	seq       uint64
	pending   map[uint64]*call
	closed    bool
	readySent bool
	collision arena.CollisionType // last reported, cleared once clear of it
	reported  map[string]bool     // pickups awaiting a reply
	done      chan struct{}
}

// Dial connects a bot to the server's websocket endpoint.
func Dial(ctx context.Context, opts Options, log zerolog.Logger) (*Bot, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", opts.URL, err)
	}
	if opts.Codec == codecMsgpack {
		q := u.Query()
		q.Set("codec", codecMsgpack)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return newBot(conn, opts, log), nil
}

func newBot(conn *websocket.Conn, opts Options, log zerolog.Logger) *Bot {
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	tag := botTag(opts.Name)
	return &Bot{
		opts:     opts,
		conn:     conn,
		log:      log.With().Str("bot", tag).Logger(),
		world:    newWorld(tag, opts.Rand),
		pending:  make(map[uint64]*call),
		reported: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// botTag makes a name that fits the server's length limit and is unique
// enough to find ourselves in a snapshot.
func botTag(name string) string {
	if name == "" {
		name = "bot"
	}
	if r := []rune(name); len(r) > 8 {
		name = string(r[:8])
	}
	return name + "-" + uuid.NewString()[:6]
}

// Run plays until ctx is cancelled or the connection drops.
func (b *Bot) Run(ctx context.Context) error {
	go b.readPump()
	defer b.conn.Close()

	if err := b.enter(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(b.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for i, p := range b.Scoreboard() {
				b.log.Debug().Int("rank", i+1).Str("name", p.Name).Int("score", p.Score).Msg("scoreboard")
			}
			b.leave()
			return nil
		case <-b.done:
			return errClosed
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *Bot) enter(ctx context.Context) error {
	info := arena.PlayerInfo{Name: b.world.tag}
	var (
		snap    arena.SessionSnapshot
		loadErr error
		event   string
		payload any
	)
	load := func(msg inbound) {
		if loadErr = msg.decode(&snap); loadErr == nil {
			b.world.load(snap)
		}
	}
	if b.opts.Session == "" {
		event, payload = arena.EvtCreateSession, arena.CreateSessionMsg{
			Player: info, Config: b.opts.Config, Password: b.opts.Password,
		}
	} else {
		event, payload = arena.EvtJoinSession, arena.JoinSessionMsg{
			SessionID: b.opts.Session, Player: info, Password: b.opts.Password,
		}
	}
	if _, err := b.call(ctx, event, payload, load); err != nil {
		return err
	}
	if loadErr != nil {
		return fmt.Errorf("decode session: %w", loadErr)
	}
	b.mu.Lock()
	self := b.world.selfID
	b.mu.Unlock()
	if self == "" {
		return fmt.Errorf("player %q missing from session %s", b.world.tag, snap.ID)
	}
	b.log.Info().Str("session_id", snap.ID).Str("player_id", self).Int("players", len(snap.Players)).Msg("entered session")
	if b.opts.OnSessionID != nil {
		b.opts.OnSessionID(snap.ID)
	}
	return nil
}

func (b *Bot) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.request(ctx, arena.EvtLeaveSession, nil); err != nil {
		b.log.Debug().Err(err).Msg("leave")
	}
	b.writeMu.Lock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
}

// tick moves the snake, reports it, and reports anything the local pass found.
func (b *Bot) tick(ctx context.Context) error {
	b.mu.Lock()
	state, moved := b.world.step()
	hit := b.world.detect()
	var pickups []arena.CollectableSnapshot
	for _, id := range hit.Pickups {
		if c, ok := b.world.snap.Collectables[id]; ok && !b.reported[id] {
			b.reported[id] = true
			pickups = append(pickups, c)
		}
	}
	report := hit.Collision != "" && hit.Collision != b.collision
	if hit.Collision == "" || report {
		b.collision = hit.Collision
	}
	startRound := b.shouldStart()
	rematch := b.opts.Rematch && b.world.snap.State == arena.StateGameOver && b.world.isHost()
	b.mu.Unlock()

	if moved {
		if err := b.send(arena.Envelope{T: arena.EvtPlayerMovement, D: state}); err != nil {
			return err
		}
	}
	for _, c := range pickups {
		b.reportPickup(ctx, c)
	}
	if report {
		b.reportCollision(ctx, hit.Collision)
	}
	if startRound {
		b.getReady(ctx)
	}
	if rematch {
		b.changeState(ctx, arena.StateWaiting)
	}
	return nil
}

func (b *Bot) shouldStart() bool {
	if b.opts.StartAt <= 0 || b.readySent || !b.world.isHost() {
		return false
	}
	if b.world.snap.State != arena.StateWaiting || len(b.world.snap.Players) < b.opts.StartAt {
		return false
	}
	b.readySent = true
	return true
}

func (b *Bot) getReady(ctx context.Context) {
	if _, err := b.request(ctx, arena.EvtGetReady, nil); err != nil {
		b.log.Warn().Err(err).Msg("get-ready")
		b.mu.Lock()
		b.readySent = false
		b.mu.Unlock()
		return
	}
	b.log.Info().Msg("readiness round started")
}

func (b *Bot) changeState(ctx context.Context, s arena.GameState) {
	if _, err := b.request(ctx, arena.EvtStateChanged, arena.StateChangedMsg{State: s}); err != nil {
		b.log.Warn().Err(err).Str("state", string(s)).Msg("state-changed")
	}
}

// reportPickup waits for the server to accept the pickup before applying its effect.
func (b *Bot) reportPickup(ctx context.Context, c arena.CollectableSnapshot) {
	var status arena.StatusResponse
	reply, err := b.request(ctx, arena.EvtItemCollected, arena.ItemCollectedMsg{ID: c.ID})
	if err == nil {
		err = reply.decode(&status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reported, c.ID)
	if err != nil {
		b.log.Debug().Err(err).Str("collectable_id", c.ID).Msg("pickup rejected")
		return
	}
	if status.Status {
		b.world.collected(c)
		b.log.Debug().Str("collectable_id", c.ID).Str("type", string(c.Type)).Msg("collected")
	}
}

func (b *Bot) reportCollision(ctx context.Context, typ arena.CollisionType) {
	var status arena.StatusResponse
	reply, err := b.request(ctx, arena.EvtCollision, arena.CollisionMsg{Type: typ})
	if err == nil {
		err = reply.decode(&status)
	}
	if err != nil {
		b.log.Debug().Err(err).Str("type", string(typ)).Msg("collision rejected")
		return
	}
	if status.Status {
		b.mu.Lock()
		b.world.alive = false
		b.mu.Unlock()
		b.log.Info().Str("type", string(typ)).Msg("died")
	}
}

// request sends an event with an ack id and waits for the matching reply.
func (b *Bot) request(ctx context.Context, event string, payload any) (inbound, error) {
	return b.call(ctx, event, payload, nil)
}

func (b *Bot) call(ctx context.Context, event string, payload any, apply func(inbound)) (inbound, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return inbound{}, errClosed
	}
	b.seq++
	seq := b.seq
	c := &call{reply: make(chan inbound, 1), apply: apply}
	b.pending[seq] = c
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, seq)
		b.mu.Unlock()
	}()

	if err := b.send(arena.Envelope{T: event, D: payload, Ack: seq}); err != nil {
		return inbound{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case reply := <-c.reply:
		if failed, ok := errorReply(reply); ok {
			return reply, &RequestError{Event: event, Code: failed.Code, Msg: failed.Error}
		}
		return reply, nil
	case <-b.done:
		return inbound{}, errClosed
	case <-ctx.Done():
		return inbound{}, fmt.Errorf("%s: %w", event, ctx.Err())
	}
}

func errorReply(msg inbound) (arena.ErrorResponse, bool) {
	var failed arena.ErrorResponse
	if err := msg.decode(&failed); err != nil || failed.Error == "" {
		return failed, false
	}
	return failed, true
}

func (b *Bot) send(env arena.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.T, err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.T, err)
	}
	return nil
}

func (b *Bot) readPump() {
	defer func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	}()
	for {
		typ, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn().Err(err).Msg("ws read")
			}
			return
		}
		msg, err := decodeInbound(typ, raw)
		if err != nil {
			b.log.Warn().Err(err).Msg("malformed message")
			continue
		}
		b.handle(msg)
	}
}

func decodeInbound(typ int, raw []byte) (inbound, error) {
	if typ == websocket.BinaryMessage {
		var env struct {
			T   string             `json:"t"`
			D   msgpack.RawMessage `json:"d"`
			Ack uint64             `json:"ack"`
		}
		if err := decodeMsgpack(raw, &env); err != nil {
			return inbound{}, err
		}
		return inbound{T: env.T, Ack: env.Ack, decode: func(v any) error { return decodeMsgpack(env.D, v) }}, nil
	}
	var env arena.InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return inbound{}, err
	}
	return inbound{T: env.T, Ack: env.Ack, decode: func(v any) error {
		if len(env.D) == 0 {
			return nil
		}
		return json.Unmarshal(env.D, v)
	}}, nil
}

// decodeMsgpack reads msgpack written with json field names.
func decodeMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (b *Bot) handle(msg inbound) {
	if msg.T == arena.EvtAck {
		b.mu.Lock()
		defer b.mu.Unlock()
		c := b.pending[msg.Ack]
		if c == nil {
			return
		}
		if _, failed := errorReply(msg); !failed && c.apply != nil {
			c.apply(msg)
			c.apply = nil
		}
		select {
		case c.reply <- msg:
		default:
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.world
	var err error
	switch msg.T {
	case arena.EvtGetReady:
		var snap arena.SessionSnapshot
		if err = msg.decode(&snap); err == nil {
			w.load(snap)
			b.collision = ""
		}
		if msg.Ack != 0 {
			b.ackServer(msg.Ack)
		}
	case arena.EvtSyncGameState:
		var snap arena.SessionSnapshot
		if err = msg.decode(&snap); err == nil {
			w.sync(snap)
		}
	case arena.EvtStateChanged:
		var m arena.StateChangedMsg
		if err = msg.decode(&m); err == nil {
			w.setState(m.State)
			if m.State == arena.StateWaiting {
				b.readySent = false
			}
			b.log.Debug().Str("state", string(m.State)).Msg("state changed")
		}
	case arena.EvtSpawnCollectable:
		var c arena.CollectableSnapshot
		if err = msg.decode(&c); err == nil {
			w.addCollectable(c)
		}
	case arena.EvtSpawnObstacle:
		var o arena.ObstacleSnapshot
		if err = msg.decode(&o); err == nil {
			w.addObstacle(o)
		}
	case arena.EvtItemCollected:
		var m arena.ItemRemovedMsg
		if err = msg.decode(&m); err == nil {
			w.removeCollectable(m)
		}
	case arena.EvtPlayerDied:
		var m arena.PlayerDiedMsg
		if err = msg.decode(&m); err == nil {
			w.died(m)
		}
	case arena.EvtPlayerRespawned:
		var p arena.PlayerSnapshot
		if err = msg.decode(&p); err == nil {
			w.respawned(p)
			if p.ID == w.selfID {
				b.collision = ""
			}
		}
	case arena.EvtSessionPlayerJoined:
		var m arena.PlayerJoinedMsg
		if err = msg.decode(&m); err == nil {
			w.joined(m.Player)
		}
	case arena.EvtLeftSession, arena.EvtDisconnected:
		var m arena.PlayerLeftMsg
		if err = msg.decode(&m); err == nil {
			w.left(m)
		}
	case arena.EvtTimerUpdated:
		err = msg.decode(&w.snap.RemainingTime)
	case arena.EvtConfigUpdated:
		err = msg.decode(&w.snap.Config)
	case arena.EvtCountdownUpdated:
		var n int
		if err = msg.decode(&n); err == nil {
			b.log.Debug().Int("countdown", n).Msg("countdown")
		}
	case arena.EvtError:
		var e arena.ErrorResponse
		if err = msg.decode(&e); err == nil {
			b.log.Warn().Str("code", e.Code).Msg(e.Error)
		}
	}
	if err != nil {
		b.log.Warn().Err(err).Str("event", msg.T).Msg("decode payload")
	}
}

func (b *Bot) ackServer(seq uint64) {
	if err := b.send(arena.Envelope{T: arena.EvtAck, Ack: seq}); err != nil {
		b.log.Debug().Err(err).Msg("ack")
	}
}

// Scoreboard is the bot's view of the session's scores, highest first.
func (b *Bot) Scoreboard() []arena.PlayerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]arena.PlayerSnapshot, 0, len(b.world.snap.Players))
	for _, p := range b.world.snap.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}
