package main

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sasha-s/go-deadlock"

	"snake-arena/arena"
)

const (
	spawnSeparation   = 150.0 // between heads when a match is prepared
	spawnBorder       = 100.0
	respawnSeparation = 60.0
)

// Collectable is a live pickup.
type Collectable struct {
	ID       string
	Spec     arena.CollectableSpec
	Position arena.Vec
}

func (c *Collectable) Snapshot() arena.CollectableSnapshot {
	return arena.CollectableSnapshot{ID: c.ID, Type: c.Spec.Type, Position: c.Position, Points: c.Spec.Points, Effect: c.Spec.Effect}
}

// Obstacle is a hazard that stays until the session is reset.
type Obstacle struct {
	ID       string
	Type     arena.ObstacleType
	Position arena.Vec
}

func (o *Obstacle) Snapshot() arena.ObstacleSnapshot {
	return arena.ObstacleSnapshot{ID: o.ID, Type: o.Type, Position: o.Position}
}

// CollisionOutcome describes what an accepted or rejected collision report changed.
type CollisionOutcome struct {
	Accepted     bool
	Obstacle     *arena.ObstacleSnapshot // wreck left behind, if any
	Respawn      bool
	RespawnAfter time.Duration
	GameOver     bool
}

// SessionInfo is the operator-facing summary of a session.
type SessionInfo struct {
	ID         string          `json:"id"`
	State      arena.GameState `json:"state"`
	Players    int             `json:"players"`
	MaxPlayers int             `json:"maxPlayers"`
	Remaining  int             `json:"remainingTime"`
	Private    bool            `json:"private"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PlayerResult is one line of a finished match.
type PlayerResult struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// MatchSummary is recorded when a match ends.
type MatchSummary struct {
	SessionID string         `json:"sessionId"`
	Duration  float64        `json:"duration"` // seconds
	StartedAt time.Time      `json:"startedAt"`
	Players   []PlayerResult `json:"players"`
}

// Session is the canonical state of one match. Every exported method takes the
// session lock, so each call is one indivisible step of the state machine.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu              deadlock.Mutex
	state           arena.GameState
	config          arena.SessionConfig
	players         map[string]*Player
	collectables    map[string]*Collectable
	obstacles       map[string]*Obstacle
	remaining       int
	countdownActive bool
	round           uint64 // bumped by Prepare and Reset; stale readiness rounds compare unequal
	startedAt       time.Time
	passwordHash    []byte
	nextSeq         uint64
	rng             *rand.Rand
	table           arena.CollectableTable
	clock           clockwork.Clock
	newID           func() string
}

// NewSession creates an empty lobby.
func NewSession(id string, cfg arena.SessionConfig, table arena.CollectableTable, rng *rand.Rand, clock clockwork.Clock) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    clock.Now(),
		state:        arena.StateWaiting,
		config:       cfg,
		players:      make(map[string]*Player),
		collectables: make(map[string]*Collectable),
		obstacles:    make(map[string]*Obstacle),
		remaining:    cfg.GameDuration,
		rng:          rng,
		table:        table,
		clock:        clock,
		newID:        uuid.NewString,
	}
}

func (s *Session) State() arena.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Config() arena.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func (s *Session) CountdownActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdownActive
}

func (s *Session) SetCountdownActive(active bool) {
	s.mu.Lock()
	s.countdownActive = active
	s.mu.Unlock()
}

// HostID returns the id of the HOST, or "" for an empty session.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostIDLocked()
}

func (s *Session) hostIDLocked() string {
	for id, p := range s.players {
		if p.Role == arena.RoleHost {
			return id
		}
	}
	return ""
}

// Player returns a copy of one player.
func (s *Session) Player(id string) (arena.PlayerSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return arena.PlayerSnapshot{}, false
	}
	return p.Snapshot(), true
}

func (s *Session) CollectableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collectables)
}

// Private reports whether joining requires a password.
func (s *Session) Private() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passwordHash) > 0
}

// CheckPassword verifies pw against the lobby password. Public sessions accept anything.
func (s *Session) CheckPassword(pw string) bool {
	s.mu.Lock()
	hash := s.passwordHash
	s.mu.Unlock()
	if len(hash) == 0 {
		return true
	}
	return checkPassword(hash, pw)
}

// Snapshot returns the full serializable state.
func (s *Session) Snapshot() arena.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// RunningSnapshot returns the snapshot only while the match is RUNNING.
func (s *Session) RunningSnapshot() (arena.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateRunning {
		return arena.SessionSnapshot{}, false
	}
	return s.snapshotLocked(), true
}

func (s *Session) snapshotLocked() arena.SessionSnapshot {
	snap := arena.SessionSnapshot{
		ID:            s.ID,
		State:         s.state,
		Config:        s.config,
		Players:       make(map[string]arena.PlayerSnapshot, len(s.players)),
		Collectables:  make(map[string]arena.CollectableSnapshot, len(s.collectables)),
		Obstacles:     make(map[string]arena.ObstacleSnapshot, len(s.obstacles)),
		RemainingTime: s.remaining,
		Private:       len(s.passwordHash) > 0,
	}
	for id, p := range s.players {
		snap.Players[id] = p.Snapshot()
	}
	for id, c := range s.collectables {
		snap.Collectables[id] = c.Snapshot()
	}
	for id, o := range s.obstacles {
		snap.Obstacles[id] = o.Snapshot()
	}
	return snap
}

// Info returns the operator summary.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.ID,
		State:      s.state,
		Players:    len(s.players),
		MaxPlayers: s.config.MaxPlayers,
		Remaining:  s.remaining,
		Private:    len(s.passwordHash) > 0,
		CreatedAt:  s.CreatedAt,
	}
}

// addPlayer admits p. The first player becomes HOST.
func (s *Session) addPlayer(p *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[p.ID]; ok {
		return newError(CodeConflict, "already in session")
	}
	if len(s.players) >= s.config.MaxPlayers {
		return newError(CodeCapacityExceeded, "session is full")
	}
	s.nextSeq++
	p.seq = s.nextSeq
	if !hexColorRe.MatchString(p.Color) {
		p.Color = palette[int(p.seq-1)%len(palette)]
	}
	p.Role = arena.RoleGuest
	if len(s.players) == 0 {
		p.Role = arena.RoleHost
	}
	p.Status = arena.StatusReady
	s.players[p.ID] = p
	return nil
}

// removePlayer drops a player and promotes the earliest remaining joiner if the
// HOST left. It returns the HOST id after removal and how many players remain.
func (s *Session) removePlayer(id string) (hostID string, remaining int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return s.hostIDLocked(), len(s.players), false
	}
	delete(s.players, id)
	if p.Role == arena.RoleHost && len(s.players) > 0 {
		var next *Player
		for _, c := range s.players {
			if next == nil || c.seq < next.seq {
				next = c
			}
		}
		next.Role = arena.RoleHost
	}
	return s.hostIDLocked(), len(s.players), true
}

func (s *Session) requireHostLocked(playerID string) error {
	p, ok := s.players[playerID]
	if !ok {
		return newError(CodeNotFound, "player not in session")
	}
	if p.Role != arena.RoleHost {
		return ErrUnauthorized
	}
	return nil
}

// UpdateConfig replaces the configuration while in the lobby. HOST only.
// The remaining time is reset to the new duration.
func (s *Session) UpdateConfig(playerID string, cfg, def arena.SessionConfig) (arena.SessionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireHostLocked(playerID); err != nil {
		return arena.SessionConfig{}, err
	}
	if s.state != arena.StateWaiting {
		return arena.SessionConfig{}, newError(CodeConflict, "configuration can only change in the lobby")
	}
	cfg = cfg.Normalize(def)
	if cfg.MaxPlayers < len(s.players) {
		cfg.MaxPlayers = len(s.players)
	}
	s.config = cfg
	s.remaining = cfg.GameDuration
	return cfg, nil
}

// Prepare moves WAITING_FOR_PLAYERS to READY. HOST only. Every player gets a fresh
// spawn, starting movement parameters and ALIVE status; pickups and hazards are
// cleared. The returned round identifies this readiness attempt.
func (s *Session) Prepare(playerID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireHostLocked(playerID); err != nil {
		return 0, err
	}
	if s.state != arena.StateWaiting {
		return 0, newError(CodeConflict, "session is not waiting for players")
	}
	clear(s.collectables)
	clear(s.obstacles)
	s.remaining = s.config.GameDuration

	border := s.spawnBorderLocked()
	heads := make([]arena.Vec, 0, len(s.players))
	for _, p := range s.playersByJoinLocked() {
		head := s.uniqueSpawnLocked(border, spawnSeparation, heads)
		p.reset(s.config, head, arena.DirectionTowards(head, s.config.WorldSize))
		heads = append(heads, head)
	}
	s.state = arena.StateReady
	s.round++
	return s.round, nil
}

// spawnBorderLocked keeps a fresh body (which trails behind the head, away from
// the centre) inside the world.
func (s *Session) spawnBorderLocked() float64 {
	body := float64(s.config.StartLength) * arena.SegmentSpacing(s.config.StartScale)
	return min(spawnBorder+body+arena.HeadRadius(s.config.StartScale), s.config.WorldSize/2)
}

// uniqueSpawnLocked relaxes the separation when the world is too crowded and
// falls back to any position as a last resort.
func (s *Session) uniqueSpawnLocked(border, minDist float64, occupied []arena.Vec) arena.Vec {
	floor := 2 * arena.HeadRadius(s.config.StartScale)
	for d := minDist; d >= floor; d /= 2 {
		if p, ok := arena.RandomUniquePosition(s.rng, s.config.WorldSize, border, d, occupied); ok {
			return p
		}
	}
	return arena.RandomPosition(s.rng, s.config.WorldSize, border)
}

func (s *Session) playersByJoinLocked() []*Player {
	out := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// InRound reports whether the session is still READY in the given readiness round.
func (s *Session) InRound(round uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == arena.StateReady && s.round == round
}

// Start moves READY to RUNNING for the given round.
func (s *Session) Start(round uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateReady || s.round != round {
		return false
	}
	s.state = arena.StateRunning
	s.countdownActive = false
	s.startedAt = s.clock.Now()
	return true
}

// RollbackReady returns a READY session of the given round to the lobby.
func (s *Session) RollbackReady(round uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateReady || s.round != round {
		return false
	}
	s.toLobbyLocked()
	return true
}

// Pause freezes a RUNNING match. Any participant may pause.
func (s *Session) Pause(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[playerID]; !ok {
		return newError(CodeNotFound, "player not in session")
	}
	if s.state != arena.StateRunning {
		return newError(CodeConflict, "session is not running")
	}
	s.state = arena.StatePaused
	return nil
}

// Resume continues a PAUSED match. Any participant may resume.
func (s *Session) Resume(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[playerID]; !ok {
		return newError(CodeNotFound, "player not in session")
	}
	if s.state != arena.StatePaused {
		return newError(CodeConflict, "session is not paused")
	}
	s.state = arena.StateRunning
	return nil
}

// Reset returns the session to the lobby from any state. HOST only. Scores are kept.
func (s *Session) Reset(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireHostLocked(playerID); err != nil {
		return err
	}
	s.toLobbyLocked()
	return nil
}

func (s *Session) toLobbyLocked() {
	s.state = arena.StateWaiting
	clear(s.collectables)
	clear(s.obstacles)
	for _, p := range s.players {
		p.Status = arena.StatusReady
		p.Snake = arena.SnakeState{}
	}
	s.remaining = s.config.GameDuration
	s.countdownActive = false
	s.round++
}

// Tick is one second of match time. It only counts while RUNNING; reaching zero
// moves the session to GAME_OVER, which happens once.
func (s *Session) Tick() (remaining int, ended, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateRunning {
		return s.remaining, false, false
	}
	s.remaining--
	if s.remaining <= 0 {
		s.remaining = 0
		s.state = arena.StateGameOver
		return 0, true, true
	}
	return s.remaining, false, true
}

// Collect atomically removes a collectable and credits its points to the player.
// A missing id, a session that isn't RUNNING or a player that isn't ALIVE is a Conflict.
func (s *Session) Collect(playerID, collectableID string) (arena.CollectableSnapshot, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return arena.CollectableSnapshot{}, 0, newError(CodeNotFound, "player not in session")
	}
	if s.state != arena.StateRunning || p.Status != arena.StatusAlive {
		return arena.CollectableSnapshot{}, p.Score, newError(CodeConflict, "pickups are closed")
	}
	c, ok := s.collectables[collectableID]
	if !ok {
		return arena.CollectableSnapshot{}, p.Score, newError(CodeConflict, "collectable already taken")
	}
	delete(s.collectables, collectableID)
	p.Score += c.Spec.Points
	return c.Snapshot(), p.Score, nil
}

// ReportCollision validates a client's collision report against the configuration.
// A disabled collision type is not an error: the outcome is simply not accepted.
func (s *Session) ReportCollision(playerID string, typ arena.CollisionType) (CollisionOutcome, error) {
	if !typ.Valid() {
		return CollisionOutcome{}, newError(CodeInvalidRequest, "unknown collision type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return CollisionOutcome{}, newError(CodeNotFound, "player not in session")
	}
	if s.state != arena.StateRunning || p.Status != arena.StatusAlive {
		return CollisionOutcome{}, newError(CodeConflict, "player is not alive in a running match")
	}
	if !s.config.CollisionEnabled(typ) {
		return CollisionOutcome{}, nil
	}

	out := CollisionOutcome{Accepted: true}
	p.Status = arena.StatusDead
	if s.config.ObstaclesEnabled && len(p.Snake.Segments) > 0 {
		o := &Obstacle{ID: s.newID(), Type: arena.ObstacleWreck, Position: p.Snake.Head()}
		s.obstacles[o.ID] = o
		snap := o.Snapshot()
		out.Obstacle = &snap
	}
	switch {
	case s.config.RespawnEnabled:
		out.Respawn = true
		out.RespawnAfter = time.Duration(s.config.RespawnDelay * float64(time.Second))
	case !s.anyAliveLocked():
		s.state = arena.StateGameOver
		out.GameOver = true
	}
	return out, nil
}

func (s *Session) anyAliveLocked() bool {
	for _, p := range s.players {
		if p.Status == arena.StatusAlive {
			return true
		}
	}
	return false
}

// CheckNoSurvivors ends a RUNNING match without respawn once nobody is ALIVE,
// e.g. after the last living player left.
func (s *Session) CheckNoSurvivors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateRunning || s.config.RespawnEnabled || len(s.players) == 0 || s.anyAliveLocked() {
		return false
	}
	s.state = arena.StateGameOver
	return true
}

// Respawn brings a DEAD player back at a fresh position. Only while RUNNING.
func (s *Session) Respawn(playerID string) (arena.PlayerSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok || s.state != arena.StateRunning || p.Status != arena.StatusDead {
		return arena.PlayerSnapshot{}, false
	}
	var occupied []arena.Vec
	for id, other := range s.players {
		if id == playerID || other.Status != arena.StatusAlive {
			continue
		}
		for _, seg := range other.Snake.Segments {
			occupied = append(occupied, seg.Position)
		}
	}
	for _, o := range s.obstacles {
		occupied = append(occupied, o.Position)
	}
	head := s.uniqueSpawnLocked(s.spawnBorderLocked(), respawnSeparation, occupied)
	p.reset(s.config, head, arena.DirectionTowards(head, s.config.WorldSize))
	return p.Snapshot(), true
}

// ApplyMovement stores the owner's movement report. Only ALIVE players in a RUNNING
// match move; speed and scale are clamped and the body length is capped.
func (s *Session) ApplyMovement(playerID string, st arena.SnakeState) error {
	if len(st.Segments) == 0 {
		return newError(CodeInvalidRequest, "movement without segments")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return newError(CodeNotFound, "player not in session")
	}
	if s.state != arena.StateRunning || p.Status != arena.StatusAlive {
		return newError(CodeConflict, "player is not moving")
	}
	if len(st.Segments) > arena.MaxSegments {
		st.Segments = st.Segments[:arena.MaxSegments]
	}
	p.Snake = arena.SnakeState{
		Speed:     arena.Clamp(st.Speed, arena.MinStartSpeed, arena.MaxStartSpeed),
		Scale:     arena.Clamp(st.Scale, arena.MinStartScale, arena.MaxStartScale),
		Direction: st.Direction.Normalize(),
		Segments:  append([]arena.Segment(nil), st.Segments...),
	}
	return nil
}

// Spawn materializes one collectable, or with obstacles enabled occasionally a
// ROCK hazard, at a free position. It returns neither when the item cap is reached.
func (s *Session) Spawn(sc SpawnerConfig) (*arena.CollectableSnapshot, *arena.ObstacleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != arena.StateRunning {
		return nil, nil, newError(CodeConflict, "session is not running")
	}
	if len(s.collectables) >= sc.MaxCollectables {
		return nil, nil, nil
	}
	hazard := s.config.ObstaclesEnabled && s.rng.Float64() < sc.HazardChance

	occupied := make([]arena.Vec, 0, len(s.collectables)+len(s.obstacles)+len(s.players)*s.config.StartLength)
	for _, p := range s.players {
		for _, seg := range p.Snake.Segments {
			occupied = append(occupied, seg.Position)
		}
	}
	for _, c := range s.collectables {
		occupied = append(occupied, c.Position)
	}
	for _, o := range s.obstacles {
		occupied = append(occupied, o.Position)
	}
	pos, ok := arena.RandomUniquePosition(s.rng, s.config.WorldSize, sc.Border, sc.MinDistance, occupied)
	if !ok {
		return nil, nil, newError(CodeConflict, "no free position")
	}

	if hazard {
		o := &Obstacle{ID: s.newID(), Type: arena.ObstacleRock, Position: pos}
		s.obstacles[o.ID] = o
		snap := o.Snapshot()
		return nil, &snap, nil
	}
	c := &Collectable{ID: s.newID(), Spec: s.table.Pick(s.rng), Position: pos}
	s.collectables[c.ID] = c
	snap := c.Snapshot()
	return &snap, nil, nil
}

// Summary returns the result of the current or last match.
func (s *Session) Summary() MatchSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := MatchSummary{SessionID: s.ID, StartedAt: s.startedAt}
	if !s.startedAt.IsZero() {
		sum.Duration = s.clock.Since(s.startedAt).Seconds()
	}
	for _, p := range s.playersByJoinLocked() {
		sum.Players = append(sum.Players, PlayerResult{Name: p.Name, Score: p.Score})
	}
	sort.SliceStable(sum.Players, func(i, j int) bool { return sum.Players[i].Score > sum.Players[j].Score })
	return sum
}
