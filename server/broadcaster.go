package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"snake-arena/arena"
)

// Broadcaster pushes the full snapshot of every RUNNING session to its room
// on a fixed interval.
type Broadcaster struct {
	clock    clockwork.Clock
	rooms    Rooms
	registry *Registry
	interval time.Duration
	log      zerolog.Logger
}

func NewBroadcaster(clock clockwork.Clock, rooms Rooms, registry *Registry, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		clock:    clock,
		rooms:    rooms,
		registry: registry,
		interval: interval,
		log:      componentLogger("broadcaster"),
	}
}

// Run blocks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	for _, sess := range b.registry.Sessions() {
		b.sync(sess)
	}
}

func (b *Broadcaster) sync(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("session_id", sess.ID).Msgf("sync panic: %v", r)
		}
	}()
	snap, ok := sess.RunningSnapshot()
	if !ok {
		return
	}
	b.rooms.Broadcast(sess.ID, arena.EvtSyncGameState, snap)
}
