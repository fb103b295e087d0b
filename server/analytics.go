package main

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Lifecycle event types emitted to sinks
const (
	EventSessionCreated = "session_created"
	EventSessionDeleted = "session_deleted"
	EventPlayerJoined   = "player_joined"
	EventMatchStart     = "match_start"
	EventMatchEnd       = "match_end"
	EventItemCollected  = "item_collected"
	EventPlayerDeath    = "player_death"
)

const (
	analyticsQueueSize = 1024
	analyticsBatchSize = 50
	analyticsFlushEach = 5 * time.Second
)

// Event is one lifecycle event.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	PlayerID  string    `json:"playerId,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives lifecycle events. Emit must not block the caller.
type EventSink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// multiSink fans events out to several sinks.
type multiSink []EventSink

func (m multiSink) Emit(evt Event) {
	for _, s := range m {
		s.Emit(evt)
	}
}

// Analytics persists events to sqlite with batched background writes.
// Finished matches are also recorded in the match history.
type Analytics struct {
	db     *DB
	clock  clockwork.Clock
	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewAnalytics creates and starts the analytics background writer
func NewAnalytics(db *DB, clock clockwork.Clock) *Analytics {
	a := &Analytics{
		db:     db,
		clock:  clock,
		events: make(chan Event, analyticsQueueSize),
		stop:   make(chan struct{}),
		log:    componentLogger("analytics"),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Emit enqueues an event for async persistence (non-blocking)
func (a *Analytics) Emit(evt Event) {
	select {
	case a.events <- evt:
	default:
		// queue full, drop rather than stall a session
	}
}

// Stop flushes what is queued and shuts the writer down.
func (a *Analytics) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Analytics) writer() {
	defer a.wg.Done()

	batch := make([]Event, 0, analyticsBatchSize)
	ticker := a.clock.NewTicker(analyticsFlushEach)
	defer ticker.Stop()

	for {
		select {
		case evt := <-a.events:
			batch = append(batch, evt)
			if len(batch) >= analyticsBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.Chan():
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			batch = a.drain(batch)
			if len(batch) > 0 {
				a.flush(batch)
			}
			return
		}
	}
}

func (a *Analytics) drain(batch []Event) []Event {
	for {
		select {
		case evt := <-a.events:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
}

func (a *Analytics) flush(events []Event) {
	if a.db == nil || len(events) == 0 {
		return
	}
	tx, err := a.db.conn.Begin()
	if err != nil {
		a.log.Error().Err(err).Msg("begin tx")
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO analytics_events (event_type, session_id, player_id, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		a.log.Error().Err(err).Msg("prepare insert")
		return
	}
	defer stmt.Close()

	var matches []MatchSummary
	for _, evt := range events {
		sid := sql.NullString{String: evt.SessionID, Valid: evt.SessionID != ""}
		pid := sql.NullString{String: evt.PlayerID, Valid: evt.PlayerID != ""}
		var data sql.NullString
		if evt.Data != nil {
			if b, err := json.Marshal(evt.Data); err == nil {
				data = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.Exec(evt.Type, sid, pid, data, evt.At.UTC().Format(time.RFC3339)); err != nil {
			a.log.Error().Err(err).Str("event", evt.Type).Msg("insert event")
		}
		if sum, ok := evt.Data.(MatchSummary); ok && evt.Type == EventMatchEnd {
			matches = append(matches, sum)
		}
	}
	if err := tx.Commit(); err != nil {
		a.log.Error().Err(err).Msg("commit events")
		return
	}
	for _, sum := range matches {
		if _, err := a.db.RecordMatch(sum); err != nil {
			a.log.Error().Err(err).Str("session_id", sum.SessionID).Msg("record match")
		}
	}
}

// EventCounts returns how many events of each type were recorded since the given time.
func (a *Analytics) EventCounts(since time.Time) (map[string]int, error) {
	if a.db == nil {
		return map[string]int{}, nil
	}
	rows, err := a.db.conn.Query(`
		SELECT event_type, COUNT(*) FROM analytics_events
		WHERE created_at >= ?
		GROUP BY event_type ORDER BY COUNT(*) DESC
	`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			continue
		}
		result[typ] = count
	}
	return result, rows.Err()
}
