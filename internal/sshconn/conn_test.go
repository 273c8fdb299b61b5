package sshconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func targetFor(t *testing.T, addr string) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Target{Host: host, Port: port}
}

func TestConnectAndRun(t *testing.T) {
	signer, keyPEM := genKeyPair(t)
	addr, _, _ := startSSHServer(t, signer.PublicKey(), "", sessionHandler{
		onExec: func(cmd string) string {
			return "ran:" + cmd + "\n"
		},
	})

	handle, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	out, err := handle.Run(context.Background(), "uptime")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "ran:uptime\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestConnectPasswordAuth(t *testing.T) {
	addr, _, _ := startSSHServer(t, nil, "hunter2-long-pass", sessionHandler{})

	handle, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:     "root",
		Password: "hunter2-long-pass",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect with password: %v", err)
	}
	handle.Close()
}

func TestConnectAuthFailureNotRetried(t *testing.T) {
	// Server rejects every key.
	addr, _, accepts := startSSHServer(t, nil, "", sessionHandler{})

	_, keyPEM := genKeyPair(t)
	start := time.Now()
	_, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err == nil {
		t.Fatal("expected auth error")
	}
	if kind := ErrorKind(err); kind != KindAuth {
		t.Errorf("expected KindAuth, got %q (%v)", kind, err)
	}
	if got := accepts.Load(); got != 1 {
		t.Errorf("auth failure must not be retried: %d connection attempts", got)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("auth failure took too long: %s", elapsed)
	}
	if strings.Contains(err.Error(), "PRIVATE KEY") {
		t.Error("error message leaked key material")
	}
}

func TestConnectNetworkErrorSingleRetry(t *testing.T) {
	// A listener that closes every connection mid-handshake produces a
	// transient network failure; Connect retries exactly once.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	attempts := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			attempts <- struct{}{}
			conn.Close()
		}
	}()

	_, keyPEM := genKeyPair(t)
	_, err = Connect(context.Background(), targetFor(t, listener.Addr().String()), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 2*time.Second)
	if err == nil {
		t.Fatal("expected network error")
	}
	if kind := ErrorKind(err); kind != KindNetwork {
		t.Errorf("expected KindNetwork, got %q (%v)", kind, err)
	}
	if got := len(attempts); got != 2 {
		t.Errorf("expected exactly 2 attempts (original + one retry), got %d", got)
	}
}

func TestConnectUnreachableTimesOutPromptly(t *testing.T) {
	// Closed port: connection refused immediately, classified as network.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := targetFor(t, listener.Addr().String())
	listener.Close()

	_, keyPEM := genKeyPair(t)
	start := time.Now()
	_, err = Connect(context.Background(), target, AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 2*time.Second)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected network error")
	}
	if kind := ErrorKind(err); kind != KindNetwork {
		t.Errorf("expected KindNetwork, got %q (%v)", kind, err)
	}
	// Bounded by timeout plus the single retry, with headroom.
	if elapsed > 5*time.Second {
		t.Errorf("connect took %s, expected prompt failure", elapsed)
	}
}

func TestConnectHostKeyMismatch(t *testing.T) {
	signer, keyPEM := genKeyPair(t)
	addr, _, accepts := startSSHServer(t, signer.PublicKey(), "", sessionHandler{})

	target := targetFor(t, addr)
	target.HostKeyFingerprint = "SHA256:definitely-not-the-real-fingerprint"

	_, err := Connect(context.Background(), target, AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err == nil {
		t.Fatal("expected host key error")
	}
	if kind := ErrorKind(err); kind != KindHostKey {
		t.Errorf("expected KindHostKey, got %q (%v)", kind, err)
	}
	if got := accepts.Load(); got != 1 {
		t.Errorf("host key mismatch must not be retried: %d attempts", got)
	}
}

func TestConnectTrustOnFirstUse(t *testing.T) {
	signer, keyPEM := genKeyPair(t)
	addr, hostFP, _ := startSSHServer(t, signer.PublicKey(), "", sessionHandler{})

	handle, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if handle.SeenHostKeyFingerprint != hostFP {
		t.Errorf("expected seen fingerprint %q, got %q", hostFP, handle.SeenHostKeyFingerprint)
	}

	// A second connect pinned to the recorded fingerprint succeeds.
	target := targetFor(t, addr)
	target.HostKeyFingerprint = hostFP
	handle2, err := Connect(context.Background(), target, AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect with pinned fingerprint: %v", err)
	}
	handle2.Close()
}

func TestShellEchoAndResize(t *testing.T) {
	signer, keyPEM := genKeyPair(t)
	addr, _, _ := startSSHServer(t, signer.PublicKey(), "", sessionHandler{})

	handle, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	shell, err := handle.OpenShell(80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()

	if _, err := shell.Write([]byte("hello")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := shell.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var collected string
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := shell.Read(buf)
		if n > 0 {
			collected += string(buf[:n])
		}
		if strings.Contains(collected, "echo:hello") && strings.Contains(collected, "resize:120x40") {
			return
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("did not observe echo and resize in output: %q", collected)
}

func TestShellResizeClamped(t *testing.T) {
	signer, keyPEM := genKeyPair(t)
	addr, _, _ := startSSHServer(t, signer.PublicKey(), "", sessionHandler{})

	handle, err := Connect(context.Background(), targetFor(t, addr), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	shell, err := handle.OpenShell(0, 0)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()

	// Oversized request is clamped to the package bounds, not rejected.
	if err := shell.Resize(9999, 9999); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var collected string
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := shell.Read(buf)
		if n > 0 {
			collected += string(buf[:n])
		}
		if strings.Contains(collected, "resize:500x500") {
			return
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("expected clamped resize 500x500, got %q", collected)
}

func TestAuthMaterialRequired(t *testing.T) {
	_, err := Connect(context.Background(), Target{Host: "127.0.0.1", Port: 22}, AuthMaterial{User: "root"}, time.Second)
	if err == nil {
		t.Fatal("expected error with no auth material")
	}
	if kind := ErrorKind(err); kind != KindAuth {
		t.Errorf("expected KindAuth for missing material, got %q", kind)
	}
}

func TestConnectRetryErrorReclassified(t *testing.T) {
	// The first attempt is dropped mid-handshake; the retry reaches a server
	// that rejects the credential. The surfaced error must reflect the retry,
	// not the original transient failure.
	hostSigner, _ := genKeyPair(t)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, fmt.Errorf("all keys rejected")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	var attempts atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if attempts.Add(1) == 1 {
				conn.Close()
				continue
			}
			go handleTestConn(conn, config, sessionHandler{})
		}
	}()

	_, keyPEM := genKeyPair(t)
	_, err = Connect(context.Background(), targetFor(t, listener.Addr().String()), AuthMaterial{
		User:          "root",
		PrivateKeyPEM: keyPEM,
	}, 5*time.Second)
	if err == nil {
		t.Fatal("expected auth error on retry")
	}
	if kind := ErrorKind(err); kind != KindAuth {
		t.Errorf("expected KindAuth from the retry, got %q (%v)", kind, err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", got)
	}
}
