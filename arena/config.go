package arena

import "fmt"

// Bounds applied to client-supplied configuration.
const (
	MinPlayers       = 1
	MaxPlayersLimit  = 16
	MinWorldSize     = 500.0
	MaxWorldSize     = 10000.0
	MinGameDuration  = 10
	MaxGameDuration  = 3600
	MaxRespawnDelay  = 30.0
	MaxStartLength   = 50
	MinStartSpeed    = 0.5
	MaxStartSpeed    = 10.0
	MinStartScale    = 0.25
	MaxStartScale    = 4.0
	DefaultMaxPlayer = 8
)

// SessionConfig is the immutable-per-match configuration of a session.
type SessionConfig struct {
	MaxPlayers       int     `json:"maxPlayers" yaml:"max_players"`
	WorldSize        float64 `json:"worldSize" yaml:"world_size"`
	GameDuration     int     `json:"gameDuration" yaml:"game_duration"` // seconds
	WorldCollision   bool    `json:"worldCollision" yaml:"world_collision"`
	SelfCollision    bool    `json:"selfCollision" yaml:"self_collision"`
	PlayerCollision  bool    `json:"playerCollision" yaml:"player_collision"`
	RespawnEnabled   bool    `json:"respawnEnabled" yaml:"respawn_enabled"`
	RespawnDelay     float64 `json:"respawnDelay" yaml:"respawn_delay"` // seconds
	ObstaclesEnabled bool    `json:"obstaclesEnabled" yaml:"obstacles_enabled"`
	StartLength      int     `json:"startLength" yaml:"start_length"`
	StartSpeed       float64 `json:"startSpeed" yaml:"start_speed"`
	StartScale       float64 `json:"startScale" yaml:"start_scale"`
}

// DefaultSessionConfig returns the configuration used when a client sends none.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxPlayers:       DefaultMaxPlayer,
		WorldSize:        2000,
		GameDuration:     120,
		WorldCollision:   true,
		SelfCollision:    true,
		PlayerCollision:  true,
		RespawnEnabled:   true,
		RespawnDelay:     3,
		ObstaclesEnabled: false,
		StartLength:      10,
		StartSpeed:       2,
		StartScale:       1,
	}
}

// Normalize clamps every field into its allowed range. Zero values fall back to
// the corresponding field of def.
func (c SessionConfig) Normalize(def SessionConfig) SessionConfig {
	if c.MaxPlayers == 0 {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.WorldSize == 0 {
		c.WorldSize = def.WorldSize
	}
	if c.GameDuration == 0 {
		c.GameDuration = def.GameDuration
	}
	if c.StartLength == 0 {
		c.StartLength = def.StartLength
	}
	if c.StartSpeed == 0 {
		c.StartSpeed = def.StartSpeed
	}
	if c.StartScale == 0 {
		c.StartScale = def.StartScale
	}
	c.MaxPlayers = ClampInt(c.MaxPlayers, MinPlayers, MaxPlayersLimit)
	c.WorldSize = Clamp(c.WorldSize, MinWorldSize, MaxWorldSize)
	c.GameDuration = ClampInt(c.GameDuration, MinGameDuration, MaxGameDuration)
	c.RespawnDelay = Clamp(c.RespawnDelay, 0, MaxRespawnDelay)
	c.StartLength = ClampInt(c.StartLength, 1, MaxStartLength)
	c.StartSpeed = Clamp(c.StartSpeed, MinStartSpeed, MaxStartSpeed)
	c.StartScale = Clamp(c.StartScale, MinStartScale, MaxStartScale)
	return c
}

// Validate reports the first field outside its allowed range.
func (c SessionConfig) Validate() error {
	switch {
	case c.MaxPlayers < MinPlayers || c.MaxPlayers > MaxPlayersLimit:
		return fmt.Errorf("maxPlayers must be %d-%d", MinPlayers, MaxPlayersLimit)
	case c.WorldSize < MinWorldSize || c.WorldSize > MaxWorldSize:
		return fmt.Errorf("worldSize must be %.0f-%.0f", MinWorldSize, MaxWorldSize)
	case c.GameDuration < MinGameDuration || c.GameDuration > MaxGameDuration:
		return fmt.Errorf("gameDuration must be %d-%d", MinGameDuration, MaxGameDuration)
	case c.RespawnDelay < 0 || c.RespawnDelay > MaxRespawnDelay:
		return fmt.Errorf("respawnDelay must be 0-%.0f", MaxRespawnDelay)
	case c.StartLength < 1 || c.StartLength > MaxStartLength:
		return fmt.Errorf("startLength must be 1-%d", MaxStartLength)
	}
	return nil
}

// CollisionEnabled reports whether collisions of type t count under this configuration.
func (c SessionConfig) CollisionEnabled(t CollisionType) bool {
	switch t {
	case CollisionWorld:
		return c.WorldCollision
	case CollisionSelf:
		return c.SelfCollision
	case CollisionPlayer:
		return c.PlayerCollision
	case CollisionObstacle:
		return c.ObstaclesEnabled
	}
	return false
}

// SegmentSpacing is the distance between consecutive body segments at the given scale.
func SegmentSpacing(scale float64) float64 {
	return BaseSegmentSpacing * scale
}

// HeadRadius is the collision radius of a snake head at the given scale.
func HeadRadius(scale float64) float64 {
	return BaseHeadRadius * scale
}

const (
	BaseSegmentSpacing = 8.0
	BaseHeadRadius     = 10.0
)
