package database

import "time"

// Credential kinds.
const (
	CredentialKindPrivateKey        = "private-key"
	CredentialKindPasswordReference = "password-reference"
)

// Session statuses. Terminal states (closed, error, interrupted) are final.
const (
	SessionConnecting  = "connecting"
	SessionActive      = "active"
	SessionClosed      = "closed"
	SessionError       = "error"
	SessionInterrupted = "interrupted"
)

// Server describes a remote host that sessions and commands target.
// CRUD for these records lives in the surrounding panel; the execution core
// only reads them.
type Server struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                string    `gorm:"uniqueIndex;not null" json:"name"`
	Host                string    `gorm:"not null" json:"host"`
	Port                int       `gorm:"not null;default:22" json:"port"`
	SSHUser             string    `gorm:"not null;default:root" json:"ssh_user"`
	HostKeyFingerprint  string    `json:"host_key_fingerprint"`
	DefaultCredentialID string    `json:"default_credential_id"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential is an encrypted SSH secret at rest. Ciphertext, IV, and AuthTag
// are written and read as a unit; a row missing any of the three is unusable.
// Rows are soft-deleted only, preserving audit continuity.
type Credential struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	Kind        string     `gorm:"not null;default:private-key" json:"kind"`
	Ciphertext  []byte     `gorm:"not null" json:"-"`
	IV          []byte     `gorm:"not null" json:"-"`
	AuthTag     []byte     `gorm:"not null" json:"-"`
	Fingerprint string     `json:"fingerprint"`
	Owner       string     `gorm:"index" json:"owner"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// SessionRecord is the persisted mirror of an interactive session's state.
// The in-memory registry owns transitions; rows survive restarts so the
// recovery pass can heal sessions orphaned by a crash.
type SessionRecord struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	ServerID     uint       `gorm:"not null;index" json:"server_id"`
	Caller       string     `gorm:"not null" json:"caller"`
	CredentialID string     `json:"credential_id"`
	Status       string     `gorm:"not null;default:connecting;index" json:"status"`
	StartedAt    time.Time  `gorm:"autoCreateTime" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	Note         string     `json:"note,omitempty"`
}

// AuditLog is one immutable security-relevant event. Rows are never updated
// and never contain secret material.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Caller    string    `gorm:"index" json:"caller"`
	Action    string    `gorm:"not null;index" json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `gorm:"not null" json:"outcome"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
