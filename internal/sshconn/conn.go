// Package sshconn establishes SSH connections to registered servers and
// exposes interactive shells and one-shot command execution over them.
//
// Credential plaintext enters this package just-in-time for the handshake —
// resolved from the vault or supplied inline — and is discarded as soon as a
// signer has been built. Failed connects are classified into exactly one of
// auth, network, or hostkey (see errors.go); only transient network failures
// are retried, and only once, so a bad credential is never amplified into
// repeated authentication attempts against the target.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/minhtuancn/server-monitor-sub005/internal/logutil"
)

// Resize bounds, mirrored by the terminal pump.
const (
	MaxCols uint16 = 500
	MaxRows uint16 = 500
)

// Target identifies the remote host to connect to. HostKeyFingerprint is the
// SHA256 fingerprint recorded on a previous connect; empty means the host has
// never been seen and its key is trusted on first use.
type Target struct {
	Host               string
	Port               int
	HostKeyFingerprint string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// AuthMaterial carries the plaintext credential for one handshake. Exactly
// one of PrivateKeyPEM or Password is set. The caller owns the buffers and
// zeroes them after Connect returns.
type AuthMaterial struct {
	User          string
	PrivateKeyPEM []byte
	Password      string
}

func (a AuthMaterial) methods() ([]ssh.AuthMethod, error) {
	if len(a.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(a.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if a.Password != "" {
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
	}
	return nil, fmt.Errorf("no auth material provided")
}

// Handle is an established SSH connection. It multiplexes shells and exec
// channels over one TCP connection.
type Handle struct {
	client *ssh.Client
	target Target

	// SeenHostKeyFingerprint is the fingerprint presented during the
	// handshake. When the target had none recorded, the caller persists this
	// (trust on first use).
	SeenHostKeyFingerprint string
}

// Connect dials the target and completes the SSH handshake within timeout.
// One retry is attempted for transient network failures; authentication and
// host key failures surface immediately.
func Connect(ctx context.Context, target Target, auth AuthMaterial, timeout time.Duration) (*Handle, error) {
	handle, err := connectOnce(ctx, target, auth, timeout)
	if err == nil {
		return handle, nil
	}

	var ce *ConnectError
	if errors.As(err, &ce) && ce.Kind == KindNetwork && ctx.Err() == nil {
		log.Printf("[sshconn] transient failure for %s, retrying once: %v", logutil.SanitizeForLog(target.addr()), err)
		// The retry's own error wins: it carries the current classification
		// (the host may have come up and rejected the credential).
		handle, err = connectOnce(ctx, target, auth, timeout)
		if err == nil {
			return handle, nil
		}
	}
	return nil, err
}

func connectOnce(ctx context.Context, target Target, auth AuthMaterial, timeout time.Duration) (*Handle, error) {
	methods, err := auth.methods()
	if err != nil {
		return nil, &ConnectError{Kind: KindAuth, Target: target.addr(), Err: err}
	}

	var seenFingerprint string
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		seenFingerprint = fp
		if target.HostKeyFingerprint != "" && target.HostKeyFingerprint != fp {
			return fmt.Errorf("%s: got %s, expected %s", hostKeyMismatchMarker, fp, target.HostKeyFingerprint)
		}
		return nil
	}

	cfg := &ssh.ClientConfig{
		User:            auth.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", target.addr())
	if err != nil {
		return nil, &ConnectError{Kind: KindNetwork, Target: target.addr(), Err: err}
	}

	// The ssh handshake honors cfg.Timeout on its own; close the TCP conn
	// if the surrounding context dies first.
	done := make(chan struct{})
	go func() {
		select {
		case <-dialCtx.Done():
			netConn.Close()
		case <-done:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, target.addr(), cfg)
	close(done)
	if err != nil {
		netConn.Close()
		return nil, &ConnectError{Kind: classify(err), Target: target.addr(), Err: err}
	}

	log.Printf("[sshconn] connected to %s as %s", logutil.SanitizeForLog(target.addr()), logutil.SanitizeForLog(auth.User))
	return &Handle{
		client:                 ssh.NewClient(sshConn, chans, reqs),
		target:                 target,
		SeenHostKeyFingerprint: seenFingerprint,
	}, nil
}

// Close tears down the underlying SSH connection and every channel on it.
func (h *Handle) Close() error {
	return h.client.Close()
}

// Run executes a single command over a fresh exec channel and returns its
// combined output. The command must already have passed policy evaluation.
func (h *Handle) Run(ctx context.Context, command string) (string, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create exec session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, runErr := session.CombinedOutput(command)
		ch <- result{out, runErr}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return string(res.out), fmt.Errorf("run command: %w", res.err)
		}
		return string(res.out), nil
	}
}

// Shell is a PTY-backed interactive shell on the remote host. Write sends
// input to the remote stdin, Read yields remote output.
type Shell struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *Shell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Resize changes the PTY dimensions. Values are clamped to the package bounds.
func (s *Shell) Resize(cols, rows uint16) error {
	cols = clampDim(cols, 80, MaxCols)
	rows = clampDim(rows, 24, MaxRows)
	return s.session.WindowChange(int(rows), int(cols))
}

// Close terminates the shell session. The parent connection stays open.
func (s *Shell) Close() error {
	return s.session.Close()
}

// OpenShell opens an interactive shell with a PTY at the given dimensions.
func (h *Handle) OpenShell(cols, rows uint16) (*Shell, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create shell session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	cols = clampDim(cols, 80, MaxCols)
	rows = clampDim(rows, 24, MaxRows)

	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{stdin: stdin, stdout: stdout, session: session}, nil
}

func clampDim(v, def, max uint16) uint16 {
	if v == 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
