package audit

import (
	"fmt"
	"sync"
)

var (
	mu     sync.RWMutex
	global *Auditor
)

// InitGlobal installs the process-wide auditor. Call once during startup.
func InitGlobal(a *Auditor) {
	mu.Lock()
	defer mu.Unlock()
	global = a
}

// Get returns the process-wide auditor, or nil before InitGlobal.
func Get() *Auditor {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// emit logs through the global auditor if one is installed. Events emitted
// before initialization are dropped; helpers stay safe to call from anywhere.
func emit(entry Entry) {
	if a := Get(); a != nil {
		a.Log(entry)
	}
}

// CredentialCreated records a new sealed credential (fingerprint only).
func CredentialCreated(caller, credentialID, fingerprint string) {
	emit(Entry{Caller: caller, Action: ActionCredentialCreated, Target: credentialID, Outcome: OutcomeSuccess, Details: fmt.Sprintf("fingerprint=%s", fingerprint)})
}

// CredentialDecrypted records a transient decrypt for a connection attempt.
func CredentialDecrypted(caller, credentialID string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	emit(Entry{Caller: caller, Action: ActionCredentialDecrypted, Target: credentialID, Outcome: outcome})
}

// CredentialDeleted records a soft delete.
func CredentialDeleted(caller, credentialID string) {
	emit(Entry{Caller: caller, Action: ActionCredentialDeleted, Target: credentialID, Outcome: OutcomeSuccess})
}

// ConnectSucceeded records an established SSH connection.
func ConnectSucceeded(caller, target string) {
	emit(Entry{Caller: caller, Action: ActionConnectSucceeded, Target: target, Outcome: OutcomeSuccess})
}

// ConnectFailed records a failed SSH connection with its classified kind.
func ConnectFailed(caller, target, kind, detail string) {
	emit(Entry{Caller: caller, Action: ActionConnectFailed, Target: target, Outcome: OutcomeFailure, Details: fmt.Sprintf("kind=%s %s", kind, detail)})
}

// PolicyDenied records a command blocked by the safety policy.
func PolicyDenied(caller, target, command, pattern string) {
	details := fmt.Sprintf("command=%q", command)
	if pattern != "" {
		details += fmt.Sprintf(" pattern=%q", pattern)
	}
	emit(Entry{Caller: caller, Action: ActionPolicyDenied, Target: target, Outcome: OutcomeDenied, Details: details})
}

// CommandExecuted records a scripted command run.
func CommandExecuted(caller, target, command string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	emit(Entry{Caller: caller, Action: ActionCommandExecuted, Target: target, Outcome: outcome, Details: fmt.Sprintf("command=%q", command)})
}

// SessionTransition records a session state change.
func SessionTransition(caller, sessionID, from, to, note string) {
	details := fmt.Sprintf("%s -> %s", from, to)
	if note != "" {
		details += " " + note
	}
	emit(Entry{Caller: caller, Action: ActionSessionTransition, Target: sessionID, Outcome: OutcomeSuccess, Details: details})
}

// SessionRecovered records a session forced to interrupted by recovery.
func SessionRecovered(sessionID, note string) {
	emit(Entry{Caller: "system", Action: ActionSessionRecovered, Target: sessionID, Outcome: OutcomeSuccess, Details: note})
}
