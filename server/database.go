package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding match history and analytics.
// Sessions themselves are never persisted.
type DB struct {
	conn *sql.DB
}

// MatchRecord is a finished match as stored.
type MatchRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Duration  float64        `json:"duration"`
	CreatedAt time.Time      `json:"createdAt"`
	Players   []PlayerResult `json:"players"`
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		session_id TEXT,
		player_id TEXT,
		data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		duration REAL NOT NULL DEFAULT 0,
		started_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS match_players (
		match_id INTEGER NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
		place INTEGER NOT NULL,
		name TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (match_id, place)
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_time ON analytics_events(event_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_match_players_score ON match_players(score);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting returns a stored setting, or "" when unset.
func (db *DB) GetSetting(key string) string {
	var v string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

// SetSetting stores a setting, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// RecordMatch stores a finished match with its ranked players and returns its ID.
func (db *DB) RecordMatch(sum MatchSummary) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var started sql.NullString
	if !sum.StartedAt.IsZero() {
		started = sql.NullString{String: sum.StartedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	res, err := tx.Exec(
		"INSERT INTO matches (session_id, duration, started_at, created_at) VALUES (?, ?, ?, ?)",
		sum.SessionID, sum.Duration, started, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, p := range sum.Players {
		if _, err := tx.Exec(
			"INSERT INTO match_players (match_id, place, name, score) VALUES (?, ?, ?, ?)",
			id, i+1, p.Name, p.Score,
		); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// RecentMatches returns the latest finished matches, newest first.
func (db *DB) RecentMatches(limit int) ([]MatchRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, duration, created_at FROM matches
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MatchRecord
	for rows.Next() {
		var m MatchRecord
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Duration, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		players, err := db.matchPlayers(result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Players = players
	}
	return result, nil
}

func (db *DB) matchPlayers(matchID int64) ([]PlayerResult, error) {
	rows, err := db.conn.Query("SELECT name, score FROM match_players WHERE match_id = ? ORDER BY place", matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerResult
	for rows.Next() {
		var p PlayerResult
		if err := rows.Scan(&p.Name, &p.Score); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopScores returns the best single-match scores ever recorded.
func (db *DB) TopScores(limit int) ([]PlayerResult, error) {
	rows, err := db.conn.Query("SELECT name, score FROM match_players ORDER BY score DESC, match_id ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerResult
	for rows.Next() {
		var p PlayerResult
		if err := rows.Scan(&p.Name, &p.Score); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MatchCount returns how many matches were recorded.
func (db *DB) MatchCount() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM matches").Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
