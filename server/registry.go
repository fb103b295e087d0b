package main

import (
	"math/rand/v2"

	"github.com/jonboulle/clockwork"
	"github.com/sasha-s/go-deadlock"

	"snake-arena/arena"
)

const (
	codeLength      = 6
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 32
)

// LeaveResult describes what a Leave changed.
type LeaveResult struct {
	SessionID string
	Session   *Session
	Left      bool
	NewHostID string
	Deleted   bool
}

// Registry owns every live session and the player → session index.
// Lock order is registry before session, never the reverse.
type Registry struct {
	mu          deadlock.RWMutex
	sessions    map[string]*Session
	byPlayer    map[string]string
	maxSessions int
	onDelete    []func(*Session)
	rng         *rand.Rand
	clock       clockwork.Clock
	table       arena.CollectableTable
}

// NewRegistry creates an empty registry. rng seeds every session's own generator.
func NewRegistry(maxSessions int, table arena.CollectableTable, rng *rand.Rand, clock clockwork.Clock) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		byPlayer:    make(map[string]string),
		maxSessions: maxSessions,
		rng:         rng,
		clock:       clock,
		table:       table,
	}
}

// OnDelete registers a hook run (outside the registry lock) whenever a session is removed.
func (r *Registry) OnDelete(fn func(*Session)) {
	r.mu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.mu.Unlock()
}

// Create opens a new session with host as its first player and HOST.
func (r *Registry) Create(cfg arena.SessionConfig, host *Player, passwordHash []byte) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.maxSessions {
		return nil, newError(CodeCapacityExceeded, "too many active sessions")
	}
	if _, ok := r.byPlayer[host.ID]; ok {
		return nil, newError(CodeConflict, "player is already in a session")
	}
	code, ok := r.newCodeLocked()
	if !ok {
		return nil, newError(CodeInternal, "could not allocate a session code")
	}
	sess := NewSession(code, cfg, r.table, rand.New(rand.NewPCG(r.rng.Uint64(), r.rng.Uint64())), r.clock)
	sess.passwordHash = passwordHash
	if err := sess.addPlayer(host); err != nil {
		return nil, err
	}
	r.sessions[code] = sess
	r.byPlayer[host.ID] = code
	return sess, nil
}

func (r *Registry) newCodeLocked() (string, bool) {
	b := make([]byte, codeLength)
	for range maxCodeAttempts {
		for i := range b {
			b[i] = codeAlphabet[r.rng.IntN(len(codeAlphabet))]
		}
		if _, taken := r.sessions[string(b)]; !taken {
			return string(b), true
		}
	}
	return "", false
}

// Join adds p to an existing session.
func (r *Registry) Join(sessionID string, p *Player) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, newError(CodeNotFound, "session not found")
	}
	if _, ok := r.byPlayer[p.ID]; ok {
		return nil, newError(CodeConflict, "player is already in a session")
	}
	if err := sess.addPlayer(p); err != nil {
		return nil, err
	}
	r.byPlayer[p.ID] = sessionID
	return sess, nil
}

// Get returns the session with the given code, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// ResolveByPlayer returns the session a player is in, or nil.
func (r *Registry) ResolveByPlayer(playerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[r.byPlayer[playerID]]
}

// Leave removes a player from its session, promoting a new HOST when needed.
// An emptied session is deleted. Leaving twice is a no-op.
func (r *Registry) Leave(playerID string) LeaveResult {
	r.mu.Lock()
	sid, ok := r.byPlayer[playerID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}
	}
	delete(r.byPlayer, playerID)
	sess := r.sessions[sid]
	if sess == nil {
		r.mu.Unlock()
		return LeaveResult{SessionID: sid}
	}
	hostID, remaining, left := sess.removePlayer(playerID)
	res := LeaveResult{SessionID: sid, Session: sess, Left: left, NewHostID: hostID}
	if remaining == 0 {
		delete(r.sessions, sid)
		res.Deleted = true
	}
	hooks := r.onDelete
	r.mu.Unlock()

	if res.Deleted {
		for _, fn := range hooks {
			fn(sess)
		}
	}
	return res
}

// Delete removes a session and all of its players from the index. Idempotent.
func (r *Registry) Delete(sessionID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	for pid, sid := range r.byPlayer {
		if sid == sessionID {
			delete(r.byPlayer, pid)
		}
	}
	hooks := r.onDelete
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(sess)
	}
	return true
}

// Sessions returns a point-in-time list of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
