package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a connection failure. Exactly one kind applies to any
// failed connect, so the caller and the audit trail can tell a bad credential
// from an unreachable host from a changed host identity.
type Kind string

const (
	KindAuth    Kind = "auth"
	KindNetwork Kind = "network"
	KindHostKey Kind = "hostkey"
)

// ConnectError wraps a failed connection attempt with its classified kind.
// The message never contains credential material.
type ConnectError struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case KindAuth:
		return fmt.Sprintf("authentication failed for %s", e.Target)
	case KindHostKey:
		return fmt.Sprintf("host key verification failed for %s", e.Target)
	default:
		return fmt.Sprintf("host %s unreachable: %v", e.Target, e.Err)
	}
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ErrorKind extracts the classification from err, or "" when err is not a
// ConnectError.
func ErrorKind(err error) Kind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// hostKeyMismatchMarker tags the error our host key callback returns so the
// classification survives the ssh library wrapping it into a handshake error.
const hostKeyMismatchMarker = "sshconn: host key mismatch"

// classify maps a raw dial/handshake error onto the taxonomy. Host key
// mismatches are detected by marker, authentication failures by the ssh
// library's message, everything else is a network fault.
func classify(err error) Kind {
	if err == nil {
		return ""
	}
	msg := err.Error()

	if strings.Contains(msg, hostKeyMismatchMarker) {
		return KindHostKey
	}
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return KindAuth
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindNetwork
}
