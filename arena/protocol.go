package arena

import "encoding/json"

// Client -> Server events
const (
	EvtCreateSession     = "create-session"
	EvtJoinSession       = "join-session"
	EvtLeaveSession      = "leave-session"
	EvtUpdateConfig      = "update-config"
	EvtGetReady          = "get-ready"
	EvtGetCurrentSession = "get-current-session"
	EvtPlayerMovement    = "player-movement"
	EvtItemCollected     = "item-collected" // also Server -> Client
	EvtCollision         = "collision"
	EvtStateChanged      = "state-changed" // also Server -> Client
)

// Server -> Client events
const (
	EvtSessionPlayerJoined = "session-player-joined"
	EvtConfigUpdated       = "config-updated"
	EvtCountdownUpdated    = "countdown-updated"
	EvtTimerUpdated        = "timer-updated"
	EvtSyncGameState       = "sync-game-state"
	EvtSpawnCollectable    = "spawn-new-collectable"
	EvtSpawnObstacle       = "spawn-new-obstacle"
	EvtPlayerDied          = "player-died"
	EvtPlayerRespawned     = "player-respawned"
	EvtLeftSession         = "left-session"
	EvtDisconnected        = "disconnected"
	EvtError               = "error"
	EvtAck                 = "ack" // both directions
)

// MaxSegments caps the body length accepted from movement reports.
const MaxSegments = 500

// GameState is the lifecycle state of a session.
type GameState string

const (
	StateWaiting  GameState = "WAITING_FOR_PLAYERS"
	StateReady    GameState = "READY"
	StateRunning  GameState = "RUNNING"
	StatePaused   GameState = "PAUSED"
	StateGameOver GameState = "GAME_OVER"
)

// Valid reports whether s is one of the known states.
func (s GameState) Valid() bool {
	switch s {
	case StateWaiting, StateReady, StateRunning, StatePaused, StateGameOver:
		return true
	}
	return false
}

// Role is a player's authority inside a session.
type Role string

const (
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// PlayerStatus is a player's match status.
type PlayerStatus string

const (
	StatusReady PlayerStatus = "READY"
	StatusAlive PlayerStatus = "ALIVE"
	StatusDead  PlayerStatus = "DEAD"
)

// CollisionType names what a client collided with.
type CollisionType string

const (
	CollisionWorld    CollisionType = "WORLD"
	CollisionSelf     CollisionType = "SELF"
	CollisionPlayer   CollisionType = "PLAYER"
	CollisionObstacle CollisionType = "OBSTACLE"
)

// Valid reports whether t is a known collision type.
func (t CollisionType) Valid() bool {
	switch t {
	case CollisionWorld, CollisionSelf, CollisionPlayer, CollisionObstacle:
		return true
	}
	return false
}

// Envelope wraps every message on the wire. Ack is set on requests that expect a
// response and echoed on the matching "ack" reply.
type Envelope struct {
	T   string `json:"t"`
	D   any    `json:"d,omitempty"`
	Ack uint64 `json:"ack,omitempty"`
}

// InEnvelope is used for incoming messages; RawMessage defers payload decoding to the handler.
type InEnvelope struct {
	T   string          `json:"t"`
	D   json.RawMessage `json:"d,omitempty"`
	Ack uint64          `json:"ack,omitempty"`
}

// PlayerInfo is what a client supplies about itself on create/join.
type PlayerInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// CreateSessionMsg is the payload of create-session.
type CreateSessionMsg struct {
	Player   PlayerInfo     `json:"player"`
	Config   *SessionConfig `json:"config,omitempty"`
	Password string         `json:"password,omitempty"`
}

// JoinSessionMsg is the payload of join-session.
type JoinSessionMsg struct {
	SessionID string     `json:"sessionId"`
	Player    PlayerInfo `json:"player"`
	Password  string     `json:"password,omitempty"`
}

// ItemCollectedMsg is the payload of item-collected (client -> server).
type ItemCollectedMsg struct {
	ID string `json:"id"`
}

// CollisionMsg is the payload of collision.
type CollisionMsg struct {
	Type CollisionType `json:"type"`
}

// StateChangedMsg is the payload of state-changed in both directions.
type StateChangedMsg struct {
	State GameState `json:"state"`
}

// SnakeState is the periodic movement report of the owning client.
type SnakeState struct {
	Speed     float64   `json:"speed"`
	Scale     float64   `json:"scale"`
	Direction Vec       `json:"direction"`
	Segments  []Segment `json:"segments"`
}

// Head returns the head position, or the zero vector for an empty body.
func (s SnakeState) Head() Vec {
	if len(s.Segments) == 0 {
		return Vec{}
	}
	return s.Segments[0].Position
}

// StatusResponse acknowledges item-collected and collision.
type StatusResponse struct {
	Status bool `json:"status"`
}

// ErrorResponse is returned in place of a result, and as the payload of error events.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PlayerSnapshot is the serialized form of a player.
type PlayerSnapshot struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Color    string       `json:"color"`
	Role     Role         `json:"role"`
	Status   PlayerStatus `json:"status"`
	Score    int          `json:"score"`
	Snake    SnakeState   `json:"snake"`
	JoinedAt int64        `json:"joinedAt"`
}

// CollectableSnapshot is the serialized form of a collectable.
type CollectableSnapshot struct {
	ID       string          `json:"id"`
	Type     CollectableType `json:"type"`
	Position Vec             `json:"position"`
	Points   int             `json:"points"`
	Effect   Effect          `json:"effect"`
}

// ObstacleSnapshot is the serialized form of an obstacle.
type ObstacleSnapshot struct {
	ID       string       `json:"id"`
	Type     ObstacleType `json:"type"`
	Position Vec          `json:"position"`
}

// SessionSnapshot is the full state of a session as sent to clients.
type SessionSnapshot struct {
	ID            string                         `json:"id"`
	State         GameState                      `json:"state"`
	Config        SessionConfig                  `json:"config"`
	Players       map[string]PlayerSnapshot      `json:"players"`
	Collectables  map[string]CollectableSnapshot `json:"collectables"`
	Obstacles     map[string]ObstacleSnapshot    `json:"obstacles"`
	RemainingTime int                            `json:"remainingTime"`
	Private       bool                           `json:"private,omitempty"`
}

// PlayerJoinedMsg is broadcast when someone joins a session.
type PlayerJoinedMsg struct {
	Player PlayerSnapshot `json:"player"`
}

// PlayerLeftMsg is the payload of left-session and disconnected.
type PlayerLeftMsg struct {
	ID     string `json:"id"`
	HostID string `json:"hostId,omitempty"`
}

// PlayerDiedMsg is broadcast when a collision report is accepted.
type PlayerDiedMsg struct {
	ID    string        `json:"id"`
	Cause CollisionType `json:"cause"`
}

// ItemRemovedMsg is broadcast after a successful pickup.
type ItemRemovedMsg struct {
	ID       string `json:"id"`
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}
