// Package store persists one row per completed screen-share session: the
// Session Metrics Store (A5, SPEC_FULL.md §4.16). Deliberately not a
// roster or message store — it records only aggregate performance numbers
// so operators can answer "how did session X perform" after the fact.
//
// Grounded on rustyguts-bken/server/internal/store/store.go's Open/migrate
// pattern (modernc.org/sqlite, idempotent schema, log/slog on open).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SessionSummary is one completed share session's aggregate stats (spec
// §3's ShareStats, captured at teardown rather than mid-session).
type SessionSummary struct {
	ID            int64
	ChannelID     int64
	UserID        uint32
	StartedAt     time.Time
	EndedAt       time.Time
	PeakFPS       uint16
	AvgFPS        float64
	BytesSent     uint64
	FramesSent    uint64
	FramesDropped uint64
}

// Store persists SessionSummary rows in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("session metrics store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	peak_fps INTEGER NOT NULL,
	avg_fps REAL NOT NULL,
	bytes_sent INTEGER NOT NULL,
	frames_sent INTEGER NOT NULL,
	frames_dropped INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_summaries_channel ON session_summaries(channel_id, started_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	slog.Debug("session metrics store migrations applied")
	return nil
}

// RecordSession appends one completed session's summary.
func (s *Store) RecordSession(ctx context.Context, sum SessionSummary) (int64, error) {
	const q = `
INSERT INTO session_summaries (
	channel_id, user_id, started_at_unix_ms, ended_at_unix_ms, peak_fps, avg_fps, bytes_sent, frames_sent, frames_dropped
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, q,
		sum.ChannelID, sum.UserID,
		sum.StartedAt.UnixMilli(), sum.EndedAt.UnixMilli(),
		sum.PeakFPS, sum.AvgFPS, sum.BytesSent, sum.FramesSent, sum.FramesDropped,
	)
	if err != nil {
		return 0, fmt.Errorf("store: record session: %w", err)
	}
	return res.LastInsertId()
}

// RecentSessions returns up to limit most recent session summaries for a
// channel, newest first.
func (s *Store) RecentSessions(ctx context.Context, channelID int64, limit int) ([]SessionSummary, error) {
	const q = `
SELECT id, channel_id, user_id, started_at_unix_ms, ended_at_unix_ms, peak_fps, avg_fps, bytes_sent, frames_sent, frames_dropped
FROM session_summaries
WHERE channel_id = ?
ORDER BY started_at_unix_ms DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var startedMs, endedMs int64
		if err := rows.Scan(&sum.ID, &sum.ChannelID, &sum.UserID, &startedMs, &endedMs, &sum.PeakFPS, &sum.AvgFPS, &sum.BytesSent, &sum.FramesSent, &sum.FramesDropped); err != nil {
			return nil, fmt.Errorf("store: scan session summary: %w", err)
		}
		sum.StartedAt = time.UnixMilli(startedMs)
		sum.EndedAt = time.UnixMilli(endedMs)
		out = append(out, sum)
	}
	return out, rows.Err()
}
