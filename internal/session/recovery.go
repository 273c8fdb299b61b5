package session

import (
	"fmt"
	"log"
	"time"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
)

// ReconcileStartup heals session records orphaned by a prior run. Any row
// still CONNECTING or ACTIVE at boot has no pump bound — its process is gone —
// so it is forced to INTERRUPTED with an end timestamp and a recovery note.
// Returns the number of records healed.
func ReconcileStartup() (int, error) {
	orphans, err := database.ListSessionRecordsByStatus(database.SessionConnecting, database.SessionActive)
	if err != nil {
		return 0, fmt.Errorf("scan for orphaned sessions: %w", err)
	}

	now := time.Now()
	healed := 0
	for _, rec := range orphans {
		note := fmt.Sprintf("interrupted by restart (was %s)", rec.Status)
		err := database.UpdateSessionRecord(rec.ID, map[string]interface{}{
			"status":   database.SessionInterrupted,
			"ended_at": &now,
			"note":     note,
		})
		if err != nil {
			log.Printf("[recovery] failed to heal session %s: %v", rec.ID, err)
			continue
		}
		audit.SessionRecovered(rec.ID, note)
		healed++
	}

	if healed > 0 {
		log.Printf("[recovery] healed %d orphaned session(s) at startup", healed)
	}
	return healed, nil
}

// Reaper periodically terminates live sessions that stalled silently: no
// byte moved in either direction for longer than the staleness threshold,
// yet the pump never crashed. It also purges terminal sessions past the
// registry grace period.
type Reaper struct {
	Registry  *Registry
	Threshold time.Duration
}

// Sweep runs one reaper pass and returns how many sessions it interrupted.
// Wire it to a cron schedule; it is also safe to call directly.
func (r *Reaper) Sweep() int {
	if r.Threshold <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-r.Threshold)

	reaped := 0
	for _, s := range r.Registry.List() {
		if s.Status().Terminal() {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			note := fmt.Sprintf("stale: no activity since %s", s.LastActivity().Format(time.RFC3339))
			if err := r.Registry.ForceStop(s.ID, note); err != nil {
				log.Printf("[recovery] reap session %s: %v", s.ID, err)
				continue
			}
			audit.SessionRecovered(s.ID, note)
			reaped++
		}
	}

	if purged := r.Registry.Purge(); purged > 0 {
		log.Printf("[recovery] purged %d terminal session(s) from registry", purged)
	}
	return reaped
}
