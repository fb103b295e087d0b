package main

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"snake-arena/arena"
)

const (
	maxNameLen  = 16
	defaultName = "Snake"
)

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// palette is cycled through for players that don't pick a colour
var palette = []string{"#4caf50", "#2196f3", "#ff9800", "#e91e63", "#9c27b0", "#00bcd4", "#ffeb3b", "#795548"}

// Player is one participant of a session. Guarded by the owning Session's mutex.
type Player struct {
	ID       string
	Name     string
	Color    string
	Role     arena.Role
	Status   arena.PlayerStatus
	Score    int
	Snake    arena.SnakeState
	JoinedAt time.Time
	seq      uint64 // join order inside the session
}

// NewPlayer creates a guest in the READY state from what the client sent about itself.
func NewPlayer(id string, info arena.PlayerInfo, now time.Time) *Player {
	return &Player{
		ID:       id,
		Name:     sanitizeName(info.Name),
		Color:    strings.ToLower(info.Color),
		Role:     arena.RoleGuest,
		Status:   arena.StatusReady,
		JoinedAt: now,
	}
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultName
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	return name
}

// reset puts the player at head with a fresh starting body and marks it ALIVE.
func (p *Player) reset(cfg arena.SessionConfig, head, dir arena.Vec) {
	p.Status = arena.StatusAlive
	p.Snake = arena.SnakeState{
		Speed:     cfg.StartSpeed,
		Scale:     cfg.StartScale,
		Direction: dir,
		Segments:  arena.NewSnakeBody(head, dir, cfg.StartLength, arena.SegmentSpacing(cfg.StartScale)),
	}
}

// Snapshot returns a deep copy safe to serialize outside the session lock.
func (p *Player) Snapshot() arena.PlayerSnapshot {
	snake := p.Snake
	snake.Segments = append([]arena.Segment(nil), p.Snake.Segments...)
	return arena.PlayerSnapshot{
		ID:       p.ID,
		Name:     p.Name,
		Color:    p.Color,
		Role:     p.Role,
		Status:   p.Status,
		Score:    p.Score,
		Snake:    snake,
		JoinedAt: p.JoinedAt.UnixMilli(),
	}
}
