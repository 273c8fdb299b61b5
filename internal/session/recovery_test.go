package session

import (
	"testing"
	"time"

	"github.com/minhtuancn/server-monitor-sub005/internal/database"
)

func seedRecord(t *testing.T, id, status string) {
	t.Helper()
	err := database.CreateSessionRecord(&database.SessionRecord{
		ID:           id,
		ServerID:     1,
		Caller:       "alice",
		Status:       status,
		StartedAt:    time.Now().Add(-time.Hour),
		LastActivity: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestReconcileStartupHealsOrphans(t *testing.T) {
	setupTestDB(t)
	seedRecord(t, "orphan-connecting", database.SessionConnecting)
	seedRecord(t, "orphan-active", database.SessionActive)
	seedRecord(t, "finished", database.SessionClosed)

	healed, err := ReconcileStartup()
	if err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}
	if healed != 2 {
		t.Errorf("healed = %d, want 2", healed)
	}

	for _, id := range []string{"orphan-connecting", "orphan-active"} {
		var rec database.SessionRecord
		if err := database.DB.First(&rec, "id = ?", id).Error; err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		if rec.Status != database.SessionInterrupted {
			t.Errorf("%s status = %s, want %s", id, rec.Status, database.SessionInterrupted)
		}
		if rec.EndedAt == nil {
			t.Errorf("%s has no end timestamp", id)
		}
		if rec.Note == "" {
			t.Errorf("%s has no recovery note", id)
		}
	}

	var rec database.SessionRecord
	if err := database.DB.First(&rec, "id = ?", "finished").Error; err != nil {
		t.Fatalf("load finished: %v", err)
	}
	if rec.Status != database.SessionClosed {
		t.Errorf("closed record touched by reconciliation: %s", rec.Status)
	}
}

func TestReconcileStartupEmptyDatabase(t *testing.T) {
	setupTestDB(t)
	healed, err := ReconcileStartup()
	if err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}
	if healed != 0 {
		t.Errorf("healed = %d, want 0", healed)
	}
}

func TestReaperInterruptsStaleSessions(t *testing.T) {
	setupTestDB(t)
	r := NewRegistry()

	stale := mustCreate(t, r)
	if err := r.Transition(stale.ID, StatusActive, ""); err != nil {
		t.Fatalf("to ACTIVE: %v", err)
	}
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-3 * time.Hour)
	stale.mu.Unlock()

	fresh := mustCreate(t, r)
	if err := r.Transition(fresh.ID, StatusActive, ""); err != nil {
		t.Fatalf("to ACTIVE: %v", err)
	}

	reaper := &Reaper{Registry: r, Threshold: 2 * time.Hour}
	if reaped := reaper.Sweep(); reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}

	if stale.Status() != StatusInterrupted {
		t.Errorf("stale session status = %s, want %s", stale.Status(), StatusInterrupted)
	}
	if fresh.Status() != StatusActive {
		t.Errorf("fresh session status = %s, want %s", fresh.Status(), StatusActive)
	}
}

func TestReaperPurgesExpiredTerminal(t *testing.T) {
	setupTestDB(t)
	r := NewRegistry()
	r.Grace = 0

	s := mustCreate(t, r)
	if err := r.Transition(s.ID, StatusClosed, ""); err != nil {
		t.Fatalf("to CLOSED: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	reaper := &Reaper{Registry: r, Threshold: time.Hour}
	reaper.Sweep()
	if r.Get(s.ID) != nil {
		t.Error("terminal session not purged by the reaper")
	}
}

func TestReaperZeroThresholdDisabled(t *testing.T) {
	setupTestDB(t)
	r := NewRegistry()
	s := mustCreate(t, r)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-24 * time.Hour)
	s.mu.Unlock()

	reaper := &Reaper{Registry: r, Threshold: 0}
	if reaped := reaper.Sweep(); reaped != 0 {
		t.Errorf("reaped = %d with zero threshold, want 0", reaped)
	}
}
