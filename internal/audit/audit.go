// Package audit records every security-relevant action taken by the remote
// execution core: credential lifecycle, connection attempts with their
// classified outcome, policy denials, and session state transitions.
//
// Records are immutable rows in the audit_logs table and never contain
// secret material — no plaintext keys, no passwords, no session bytes.
// Helper functions are nil-safe so callers can emit events without checking
// whether the global auditor has been initialized.
package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/logutil"
)

// Action kinds.
const (
	ActionCredentialCreated   = "credential_created"
	ActionCredentialDecrypted = "credential_decrypted"
	ActionCredentialDeleted   = "credential_deleted"
	ActionConnectSucceeded    = "connect_succeeded"
	ActionConnectFailed       = "connect_failed"
	ActionPolicyDenied        = "policy_denied"
	ActionCommandExecuted     = "command_executed"
	ActionSessionTransition   = "session_transition"
	ActionSessionRecovered    = "session_recovered"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// DefaultRetentionDays is how long audit rows are kept when the operator
// does not configure retention.
const DefaultRetentionDays = 90

// Entry carries the fields of one audit event.
type Entry struct {
	Caller  string
	Action  string
	Target  string
	Outcome string
	Details string
}

// Auditor writes audit records to the database and emits a log line for
// operational visibility.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor over the given database. A retentionDays of
// zero or less falls back to DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log persists one audit record. Failures to write are logged but do not
// block the action being audited.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		Caller:  entry.Caller,
		Action:  entry.Action,
		Target:  entry.Target,
		Outcome: entry.Outcome,
		Details: entry.Details,
	}

	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s caller=%s target=%s outcome=%s details=%s",
		entry.Action,
		logutil.SanitizeForLog(entry.Caller),
		logutil.SanitizeForLog(entry.Target),
		entry.Outcome,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// QueryOptions filters audit retrieval.
type QueryOptions struct {
	Caller  string
	Action  string
	Target  string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
	Outcome string
}

// QueryResult contains matched rows plus pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit rows matching the options, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.Caller != "" {
		tx = tx.Where("caller = ?", opts.Caller)
	}
	if opts.Action != "" {
		tx = tx.Where("action = ?", opts.Action)
	}
	if opts.Target != "" {
		tx = tx.Where("target = ?", opts.Target)
	}
	if opts.Outcome != "" {
		tx = tx.Where("outcome = ?", opts.Outcome)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes rows older than the given number of days (the
// configured retention when days <= 0). Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit rows older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc overrides the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
