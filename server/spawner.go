package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"snake-arena/arena"
)

type spawnLoop struct {
	gen       uint64
	timer     clockwork.Timer
	suspended bool
}

// Spawner drops collectables (and, with obstacles enabled, the occasional
// hazard) into RUNNING sessions on a randomized self-rescheduling timer.
type Spawner struct {
	clock  clockwork.Clock
	rooms  Rooms
	lookup func(sessionID string) *Session
	cfg    SpawnerConfig
	log    zerolog.Logger

	mu    deadlock.Mutex
	rng   *rand.Rand
	gen   uint64
	loops map[string]*spawnLoop
}

func NewSpawner(clock clockwork.Clock, rooms Rooms, lookup func(string) *Session, cfg SpawnerConfig, rng *rand.Rand) *Spawner {
	return &Spawner{
		clock:  clock,
		rooms:  rooms,
		lookup: lookup,
		cfg:    cfg,
		log:    componentLogger("spawner"),
		rng:    rng,
		loops:  make(map[string]*spawnLoop),
	}
}

// Start begins spawning for a session. Starting a running loop is a no-op and
// starting a suspended one resumes it.
func (s *Spawner) Start(sess *Session) {
	players := sess.PlayerCount()
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[sess.ID]
	if ok && !loop.suspended {
		return
	}
	if !ok {
		loop = &spawnLoop{}
		s.loops[sess.ID] = loop
	}
	s.armLocked(sess.ID, loop, players)
}

// Resume re-arms a loop that was suspended while its session was paused.
func (s *Spawner) Resume(sessionID string) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return
	}
	players := sess.PlayerCount()
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[sessionID]
	if !ok || !loop.suspended {
		return
	}
	s.armLocked(sessionID, loop, players)
}

// Stop terminates the loop of a session.
func (s *Spawner) Stop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop, ok := s.loops[sessionID]; ok {
		if loop.timer != nil {
			loop.timer.Stop()
		}
		delete(s.loops, sessionID)
	}
}

// Running reports whether a session has an armed (not suspended) loop.
func (s *Spawner) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[sessionID]
	return ok && !loop.suspended
}

func (s *Spawner) armLocked(sessionID string, loop *spawnLoop, players int) {
	s.gen++
	gen := s.gen
	loop.gen = gen
	loop.suspended = false
	loop.timer = s.clock.AfterFunc(s.delayLocked(players), func() { s.fire(sessionID, gen) })
}

// delayLocked picks the next cycle: uniform in [MinDelay, MaxDelay], shrinking
// with the square root of the player count, never below DelayFloor.
func (s *Spawner) delayLocked(players int) time.Duration {
	base := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		base += time.Duration(s.rng.Int64N(int64(span) + 1))
	}
	d := time.Duration(float64(base) / math.Sqrt(float64(max(players, 1))))
	return max(d, s.cfg.DelayFloor)
}

func (s *Spawner) fire(sessionID string, gen uint64) {
	s.mu.Lock()
	loop, ok := s.loops[sessionID]
	current := ok && loop.gen == gen && !loop.suspended
	s.mu.Unlock()
	if !current {
		return
	}

	sess := s.lookup(sessionID)
	if sess == nil {
		s.Stop(sessionID)
		return
	}

	switch sess.State() {
	case arena.StateRunning:
	case arena.StateWaiting, arena.StatePaused:
		s.mu.Lock()
		if loop.gen == gen {
			loop.suspended = true
		}
		s.mu.Unlock()
		return
	default:
		s.Stop(sessionID)
		return
	}

	players := sess.PlayerCount()
	s.mu.Lock()
	if cur, ok := s.loops[sessionID]; !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	s.armLocked(sessionID, loop, players)
	s.mu.Unlock()

	collectable, obstacle, err := sess.Spawn(s.cfg)
	switch {
	case err != nil:
		s.log.Debug().Err(err).Str("session_id", sessionID).Msg("spawn skipped")
	case collectable != nil:
		s.rooms.Broadcast(sessionID, arena.EvtSpawnCollectable, *collectable)
	case obstacle != nil:
		s.rooms.Broadcast(sessionID, arena.EvtSpawnObstacle, *obstacle)
	}
}
