// Package policy classifies command text as allowed or denied before it
// reaches an SSH connection. Both the scripted exec endpoint and the
// interactive terminal guard evaluate through the same engine.
//
// Matching is pattern-based over the literal command text as it will be sent
// to the remote host. Remote shell expansion (aliases, variables, globs) is
// not modeled; a denied operation expressed through expansion will pass. That
// is an inherent limitation of text-pattern policies, not something this
// package attempts to paper over with local expansion.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Outcome of a policy evaluation.
type Outcome string

const (
	Allow Outcome = "ALLOW"
	Deny  Outcome = "DENY"
)

// Mode selects the evaluation strategy.
type Mode string

const (
	// ModeDenylist blocks commands matching the baseline set plus operator
	// extensions, and allows everything else. This is the default.
	ModeDenylist Mode = "denylist"
	// ModeAllowlist permits only commands matching an operator pattern and
	// denies everything else, including when the allow set is empty.
	ModeAllowlist Mode = "allowlist"
)

// Decision is the result of evaluating one command. It is derived, never
// persisted, and never cached across pattern-set changes.
type Decision struct {
	Command        string
	MatchedPattern string
	Outcome        Outcome
	Mode           Mode
}

// Denied reports whether the decision blocks the command.
func (d Decision) Denied() bool {
	return d.Outcome == Deny
}

// ViolationError is returned when a denied command is submitted for
// execution. The message is safe to show to the caller.
type ViolationError struct {
	Decision Decision
}

func (e *ViolationError) Error() string {
	if e.Decision.Mode == ModeAllowlist {
		return "command blocked by policy: not in allow list"
	}
	return fmt.Sprintf("command blocked by policy (matched %q)", e.Decision.MatchedPattern)
}

// baselinePatterns are regular expressions over command text covering
// destructive filesystem operations, power control, privilege manipulation,
// package removal, kernel module removal, interface shutdown, and
// resource-exhaustion idioms.
var baselinePatterns = []string{
	`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+.*(/|/\*|/[a-z]+)\s*$`,
	`rm\s+-[a-zA-Z]*r[a-zA-Z]*f|rm\s+-[a-zA-Z]*f[a-zA-Z]*r`,
	`mkfs(\.[a-z0-9]+)?\s`,
	`dd\s+.*of=/dev/`,
	`>\s*/dev/(sd|hd|nvme|vd)`,
	`\b(shutdown|poweroff|halt|reboot)\b`,
	`\binit\s+[06]\b`,
	`\bsystemctl\s+(poweroff|halt|reboot)\b`,
	`\buserdel\b`,
	`\bpasswd\s+root\b`,
	`\busermod\s+.*-G\s*root`,
	`\b(apt|apt-get|yum|dnf)\s+(remove|purge|autoremove)\b`,
	`\brpm\s+-e\b`,
	`\b(rmmod|modprobe\s+-r)\b`,
	`\bifconfig\s+\S+\s+down\b`,
	`\bip\s+link\s+set\s+\S+\s+down\b`,
	`:\(\)\s*\{.*\};\s*:`,
	`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/\s*$`,
}

// Engine evaluates commands under a fixed mode and pattern set. Engines are
// cheap to build; construct a fresh one whenever the pattern set changes
// rather than mutating a shared instance.
type Engine struct {
	mode  Mode
	deny  []*regexp.Regexp
	allow []*regexp.Regexp
}

// NewEngine compiles an engine for the given mode. In denylist mode,
// extraDeny extends the baseline set. In allowlist mode, allow is the
// complete permitted set. Invalid operator patterns are rejected rather than
// silently skipped — a policy that fails to compile must not fail open.
func NewEngine(mode Mode, extraDeny, allow []string) (*Engine, error) {
	switch mode {
	case ModeDenylist, ModeAllowlist:
	default:
		return nil, fmt.Errorf("policy: unknown mode %q", mode)
	}

	e := &Engine{mode: mode}

	if mode == ModeDenylist {
		for _, p := range baselinePatterns {
			e.deny = append(e.deny, regexp.MustCompile(p))
		}
		for _, p := range extraDeny {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("policy: compile deny pattern %q: %w", p, err)
			}
			e.deny = append(e.deny, re)
		}
	} else {
		for _, p := range allow {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("policy: compile allow pattern %q: %w", p, err)
			}
			e.allow = append(e.allow, re)
		}
	}

	return e, nil
}

// Mode returns the engine's evaluation mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Evaluate classifies a single command. The decision is a pure function of
// the command text and the engine's pattern set.
func (e *Engine) Evaluate(command string) Decision {
	trimmed := strings.TrimSpace(command)
	d := Decision{Command: command, Mode: e.mode}

	if e.mode == ModeAllowlist {
		for _, re := range e.allow {
			if re.MatchString(trimmed) {
				d.Outcome = Allow
				d.MatchedPattern = re.String()
				return d
			}
		}
		// Fail closed: nothing matched (or the allow set is empty).
		d.Outcome = Deny
		return d
	}

	for _, re := range e.deny {
		if re.MatchString(trimmed) {
			d.Outcome = Deny
			d.MatchedPattern = re.String()
			return d
		}
	}
	d.Outcome = Allow
	return d
}

// Check evaluates the command and returns a ViolationError when denied.
func (e *Engine) Check(command string) (Decision, error) {
	d := e.Evaluate(command)
	if d.Denied() {
		return d, &ViolationError{Decision: d}
	}
	return d, nil
}
