package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecentSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	end := time.Now()

	id, err := st.RecordSession(ctx, SessionSummary{
		ChannelID: 5, UserID: 1,
		StartedAt: start, EndedAt: end,
		PeakFPS: 30, AvgFPS: 24.5,
		BytesSent: 1024, FramesSent: 100, FramesDropped: 3,
	})
	if err != nil {
		t.Fatalf("record session: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero session id")
	}

	recent, err := st.RecentSessions(ctx, 5, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recorded session, got %d", len(recent))
	}
	if recent[0].AvgFPS != 24.5 || recent[0].FramesDropped != 3 {
		t.Fatalf("unexpected summary: %+v", recent[0])
	}
}

func TestRecentSessionsScopedToChannel(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	if _, err := st.RecordSession(ctx, SessionSummary{ChannelID: 1, StartedAt: now, EndedAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := st.RecordSession(ctx, SessionSummary{ChannelID: 2, StartedAt: now, EndedAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}

	recent, err := st.RecentSessions(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(recent) != 1 || recent[0].ChannelID != 1 {
		t.Fatalf("expected only channel 1's session, got %+v", recent)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
