package main

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"snake-arena/arena"
)

const (
	countdownTicks = 3
	tickInterval   = time.Second
	respawnRetry   = time.Second // while the match is paused
)

type timerHandle struct {
	gen   uint64
	timer clockwork.Timer
}

type sessionTimers struct {
	countdown *timerHandle
	match     *timerHandle
	respawn   map[string]*timerHandle
}

// TimerManager runs the per-session countdown, match and respawn timers.
// Callbacks re-check that the session still exists and that their handle is
// still current, so a timer that fires after being stopped does nothing.
type TimerManager struct {
	clock      clockwork.Clock
	rooms      Rooms
	lookup     func(sessionID string) *Session
	onGameOver func(*Session)
	log        zerolog.Logger

	mu     deadlock.Mutex
	gen    uint64
	timers map[string]*sessionTimers
}

func NewTimerManager(clock clockwork.Clock, rooms Rooms, lookup func(string) *Session) *TimerManager {
	return &TimerManager{
		clock:  clock,
		rooms:  rooms,
		lookup: lookup,
		log:    componentLogger("timers"),
		timers: make(map[string]*sessionTimers),
	}
}

// SetGameOverHook registers fn to run after the match timer ends a match.
func (m *TimerManager) SetGameOverHook(fn func(*Session)) {
	m.mu.Lock()
	m.onGameOver = fn
	m.mu.Unlock()
}

func (m *TimerManager) entryLocked(sessionID string) *sessionTimers {
	st, ok := m.timers[sessionID]
	if !ok {
		st = &sessionTimers{respawn: make(map[string]*timerHandle)}
		m.timers[sessionID] = st
	}
	return st
}

func (m *TimerManager) newHandleLocked() *timerHandle {
	m.gen++
	return &timerHandle{gen: m.gen}
}

// arm schedules fn after d if h is still current according to isCurrent.
func (m *TimerManager) arm(h *timerHandle, d time.Duration, isCurrent func(*sessionTimers) bool, sessionID string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok || !isCurrent(st) {
		return false
	}
	h.timer = m.clock.AfterFunc(d, fn)
	return true
}

func (m *TimerManager) alive(sessionID string) *Session {
	if m.lookup == nil {
		return nil
	}
	return m.lookup(sessionID)
}

// StartCountdown broadcasts countdown-updated for 3, 2 and 1, one second
// apart, then clears the session's countdown flag and calls then. It is a
// no-op while a countdown is already running for the session. The countdown
// is abandoned if the session leaves the given readiness round.
func (m *TimerManager) StartCountdown(sess *Session, round uint64, then func()) bool {
	sid := sess.ID
	m.mu.Lock()
	st := m.entryLocked(sid)
	if st.countdown != nil {
		m.mu.Unlock()
		return false
	}
	h := m.newHandleLocked()
	st.countdown = h
	m.mu.Unlock()

	isCurrent := func(st *sessionTimers) bool { return st.countdown == h }
	sess.SetCountdownActive(true)

	left := countdownTicks
	var tick func()
	tick = func() {
		left--
		if m.alive(sid) == nil || !sess.InRound(round) {
			m.clearCountdown(sid, h)
			sess.SetCountdownActive(false)
			return
		}
		if left > 0 {
			if m.arm(h, tickInterval, isCurrent, sid, tick) {
				m.rooms.Broadcast(sid, arena.EvtCountdownUpdated, left)
			}
			return
		}
		if !m.clearCountdown(sid, h) {
			return
		}
		sess.SetCountdownActive(false)
		then()
	}
	if m.arm(h, tickInterval, isCurrent, sid, tick) {
		m.rooms.Broadcast(sid, arena.EvtCountdownUpdated, countdownTicks)
	}
	return true
}

func (m *TimerManager) clearCountdown(sessionID string, h *timerHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok || st.countdown != h {
		return false
	}
	st.countdown = nil
	return true
}

// StartMatch ticks the match clock once per second. Every tick while RUNNING
// decrements the remaining time and broadcasts timer-updated; at zero the
// session moves to GAME_OVER exactly once.
func (m *TimerManager) StartMatch(sess *Session) bool {
	sid := sess.ID
	m.mu.Lock()
	st := m.entryLocked(sid)
	if st.match != nil {
		m.mu.Unlock()
		return false
	}
	h := m.newHandleLocked()
	st.match = h
	m.mu.Unlock()

	isCurrent := func(st *sessionTimers) bool { return st.match == h }
	var tick func()
	tick = func() {
		if m.alive(sid) == nil {
			m.clearMatch(sid, h)
			return
		}
		if !m.arm(h, tickInterval, isCurrent, sid, tick) {
			return
		}
		remaining, ended, counted := sess.Tick()
		if !counted {
			return
		}
		m.rooms.Broadcast(sid, arena.EvtTimerUpdated, remaining)
		if !ended {
			return
		}
		m.clearMatch(sid, h)
		m.log.Info().Str("session_id", sid).Msg("match time is up")
		m.rooms.Broadcast(sid, arena.EvtStateChanged, arena.StateChangedMsg{State: arena.StateGameOver})
		m.mu.Lock()
		hook := m.onGameOver
		m.mu.Unlock()
		if hook != nil {
			hook(sess)
		}
	}
	return m.arm(h, tickInterval, isCurrent, sid, tick)
}

func (m *TimerManager) clearMatch(sessionID string, h *timerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok || st.match != h {
		return
	}
	st.match = nil
	if h.timer != nil {
		h.timer.Stop()
	}
}

// StopMatch cancels the match timer of a session.
func (m *TimerManager) StopMatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok || st.match == nil {
		return
	}
	if st.match.timer != nil {
		st.match.timer.Stop()
	}
	st.match = nil
}

// ScheduleRespawn brings a DEAD player back after delay and broadcasts
// player-respawned. A respawn that comes due while the match is paused is
// retried every second until the match resumes or ends.
func (m *TimerManager) ScheduleRespawn(sess *Session, playerID string, delay time.Duration) {
	sid := sess.ID
	m.mu.Lock()
	st := m.entryLocked(sid)
	if old := st.respawn[playerID]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	h := m.newHandleLocked()
	st.respawn[playerID] = h
	m.mu.Unlock()

	isCurrent := func(st *sessionTimers) bool { return st.respawn[playerID] == h }
	var fire func()
	fire = func() {
		if m.alive(sid) == nil {
			m.clearRespawn(sid, playerID, h)
			return
		}
		if sess.State() == arena.StatePaused {
			m.arm(h, respawnRetry, isCurrent, sid, fire)
			return
		}
		if !m.clearRespawn(sid, playerID, h) {
			return
		}
		snap, ok := sess.Respawn(playerID)
		if !ok {
			return
		}
		m.log.Debug().Str("session_id", sid).Str("player_id", playerID).Msg("player respawned")
		m.rooms.Broadcast(sid, arena.EvtPlayerRespawned, snap)
	}
	m.arm(h, delay, isCurrent, sid, fire)
}

func (m *TimerManager) clearRespawn(sessionID, playerID string, h *timerHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok || st.respawn[playerID] != h {
		return false
	}
	delete(st.respawn, playerID)
	return true
}

// CancelRespawn drops a pending respawn, e.g. when the player leaves.
func (m *TimerManager) CancelRespawn(sessionID, playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok {
		return
	}
	if h := st.respawn[playerID]; h != nil {
		if h.timer != nil {
			h.timer.Stop()
		}
		delete(st.respawn, playerID)
	}
}

// StopAll cancels every timer of a session.
func (m *TimerManager) StopAll(sessionID string) {
	m.mu.Lock()
	st, ok := m.timers[sessionID]
	delete(m.timers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range []*timerHandle{st.countdown, st.match} {
		if h != nil && h.timer != nil {
			h.timer.Stop()
		}
	}
	for _, h := range st.respawn {
		if h.timer != nil {
			h.timer.Stop()
		}
	}
}

// Active reports which timers a session currently has.
func (m *TimerManager) Active(sessionID string) (countdown, match bool, respawns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[sessionID]
	if !ok {
		return false, false, 0
	}
	return st.countdown != nil, st.match != nil, len(st.respawn)
}
