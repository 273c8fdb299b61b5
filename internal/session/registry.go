// Package session manages the lifecycle of interactive remote-shell sessions:
// the registry that owns every session's state, the pump that relays bytes
// between the SSH channel and the caller's transport, and the recovery pass
// that heals sessions orphaned by a crash.
//
// The registry is the single point of synchronization for session state. All
// mutations — insert, status transition, activity touch, pump binding,
// removal — go through it, so two goroutines can never race on the same
// session's state while unrelated sessions proceed independently. Status
// changes are mirrored to the session_records table so they survive restarts.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnecting  Status = Status(database.SessionConnecting)
	StatusActive      Status = Status(database.SessionActive)
	StatusClosed      Status = Status(database.SessionClosed)
	StatusError       Status = Status(database.SessionError)
	StatusInterrupted Status = Status(database.SessionInterrupted)
)

// Terminal reports whether the status is final. No transition ever leaves a
// terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusError, StatusInterrupted:
		return true
	}
	return false
}

// legalTransition encodes the session state machine:
// CONNECTING → ACTIVE → {CLOSED | ERROR | INTERRUPTED}, plus any non-terminal
// state → INTERRUPTED or ERROR (failed handshakes, forced termination).
func legalTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusActive:
		return from == StatusConnecting
	case StatusClosed, StatusError, StatusInterrupted:
		return true
	}
	return false
}

// Session is one interactive remote-shell instance. The registry owns it
// exclusively; the pump holds only a reference while the transport is open.
type Session struct {
	ID           string
	ServerID     uint
	Caller       string
	CredentialID string
	StartedAt    time.Time

	mu           sync.Mutex
	status       Status
	endedAt      *time.Time
	lastActivity time.Time
	note         string
	pumpBound    bool

	// stop is closed exactly once to tell a bound pump to shut down.
	// stopStatus and stopNote carry the terminal state the stopper wants:
	// CLOSED for a caller-initiated stop, INTERRUPTED for forced termination.
	stop       chan struct{}
	stopOnce   sync.Once
	stopStatus Status
	stopNote   string
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the most recent byte transfer or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EndedAt returns when the session reached a terminal state, or nil.
func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// StopRequested returns a channel closed when a stop has been requested for
// this session (caller force-stop, reaper, or shutdown).
func (s *Session) StopRequested() <-chan struct{} {
	return s.stop
}

func (s *Session) requestStop(status Status, note string) {
	s.stopOnce.Do(func() {
		s.stopStatus = status
		s.stopNote = note
		close(s.stop)
	})
}

// stopTarget returns the terminal state a pending stop request asked for.
// Only meaningful after StopRequested has fired.
func (s *Session) stopTarget() (Status, string) {
	if s.stopStatus == "" {
		return StatusInterrupted, "stopped"
	}
	return s.stopStatus, s.stopNote
}

// Registry tracks every live session keyed by id. Terminal sessions stay in
// memory for a grace period so the audit flush and any final status queries
// can complete before removal.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// Grace is how long a terminal session stays in memory before Purge
	// removes it.
	Grace time.Duration
}

// DefaultGrace is the default retention of terminal sessions in memory.
const DefaultGrace = time.Minute

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		Grace:    DefaultGrace,
	}
}

// Create inserts a new session in CONNECTING state and persists its record.
func (r *Registry) Create(serverID uint, caller, credentialID string) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		ServerID:     serverID,
		Caller:       caller,
		CredentialID: credentialID,
		StartedAt:    now,
		status:       StatusConnecting,
		lastActivity: now,
		stop:         make(chan struct{}),
	}

	if err := database.CreateSessionRecord(&database.SessionRecord{
		ID:           s.ID,
		ServerID:     serverID,
		Caller:       caller,
		CredentialID: credentialID,
		Status:       string(StatusConnecting),
		LastActivity: now,
	}); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Printf("[session-mgr] created session %s for server %d (caller %s)", s.ID, serverID, caller)
	return s, nil
}

// Get returns a session by id, or nil if not tracked.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// List returns all tracked sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Transition moves a session to a new status, enforcing the state machine.
// Terminal statuses record an end timestamp and the given note. The change
// is mirrored to the database and audited.
func (r *Registry) Transition(id string, to Status, note string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}

	s.mu.Lock()
	from := s.status
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !legalTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	now := time.Now()
	s.status = to
	s.lastActivity = now
	s.note = note
	updates := map[string]interface{}{
		"status":        string(to),
		"last_activity": now,
		"note":          note,
	}
	if to.Terminal() {
		s.endedAt = &now
		updates["ended_at"] = &now
	}
	s.mu.Unlock()

	if err := database.UpdateSessionRecord(id, updates); err != nil {
		log.Printf("[session-mgr] failed to persist transition for %s: %v", id, err)
	}
	audit.SessionTransition(s.Caller, id, string(from), string(to), note)

	if to.Terminal() {
		s.requestStop(to, note)
	}
	return nil
}

// Touch updates the last-activity timestamp. Called on every byte relayed in
// either direction; the write is in-memory only, the database mirror catches
// up on the next transition or reaper pass.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// BindPump claims the single pump slot for a session. A second bind for the
// same id fails instead of silently taking over the existing relay.
func (r *Registry) BindPump(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpBound {
		return fmt.Errorf("session %q already has a pump bound", id)
	}
	if s.status.Terminal() {
		return fmt.Errorf("session %q is %s", id, s.status)
	}
	s.pumpBound = true
	return nil
}

// ReleasePump frees the pump slot after the pump has fully shut down.
func (r *Registry) ReleasePump(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.pumpBound = false
	s.mu.Unlock()
}

// PumpBound reports whether a pump currently owns the session's relays.
func (r *Registry) PumpBound(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpBound
}

// ForceStop requests termination of a session. A bound pump observes the
// stop channel and performs the transition; an unbound session is moved to
// INTERRUPTED directly.
func (r *Registry) ForceStop(id, note string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}

	s.mu.Lock()
	bound := s.pumpBound
	terminal := s.status.Terminal()
	s.mu.Unlock()

	if terminal {
		return nil
	}
	if bound {
		s.requestStop(StatusInterrupted, note)
		return nil
	}
	return r.Transition(id, StatusInterrupted, note)
}

// Shutdown force-terminates every non-terminal session. Called on process
// shutdown so no session is left dangling as ACTIVE in the database.
func (r *Registry) Shutdown() {
	for _, s := range r.List() {
		if !s.Status().Terminal() {
			s.requestStop(StatusInterrupted, "process shutdown")
			// Give a bound pump no chance to race the process exit: the
			// transition is idempotent if the pump got there first.
			r.Transition(s.ID, StatusInterrupted, "process shutdown")
		}
	}
}

// Purge removes terminal sessions whose end passed the grace period. Returns
// the number removed. Database rows are kept; only the in-memory entry goes.
func (r *Registry) Purge() int {
	cutoff := time.Now().Add(-r.Grace)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.status.Terminal() && s.endedAt != nil && s.endedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
