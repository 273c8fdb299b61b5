package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// genKeyPair generates an ed25519 key pair and returns the signer plus the
// PEM-encoded private key, the form the vault stores.
func genKeyPair(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return signer, pem.EncodeToMemory(block)
}

// sessionHandler customizes the test server's behavior per session channel.
type sessionHandler struct {
	// onExec handles an exec request with the given command. Return value is
	// written to the channel followed by exit-status 0.
	onExec func(cmd string) string
	// onShell, when non-nil, takes over the channel after a shell request.
	onShell func(ch ssh.Channel, reqs <-chan *ssh.Request)
}

// startSSHServer runs an in-process SSH server accepting the given public key
// (or the given password when password is non-empty). It returns the listen
// address, the server host key fingerprint, and a counter of accepted TCP
// connections.
func startSSHServer(t *testing.T, authorizedKey ssh.PublicKey, password string, handler sessionHandler) (addr, hostFingerprint string, accepts *atomic.Int32) {
	t.Helper()

	hostSigner, _ := genKeyPair(t)

	config := &ssh.ServerConfig{}
	if authorizedKey != nil {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if authorizedKey == nil && password == "" {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, fmt.Errorf("all keys rejected")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	var count atomic.Int32
	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			count.Add(1)
			go handleTestConn(netConn, config, handler)
		}
	}()

	return listener.Addr().String(), ssh.FingerprintSHA256(hostSigner.PublicKey()), &count
}

func handleTestConn(netConn net.Conn, config *ssh.ServerConfig, handler sessionHandler) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests, handler)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request, handler sessionHandler) {
	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			out := ""
			if handler.onExec != nil {
				out = handler.onExec(payload.Command)
			}
			ch.Write([]byte(out))
			sendExitStatus(ch, 0)
			ch.Close()
			return

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if hasPTY {
				ch.Write([]byte("PTY:true\n"))
			}
			if handler.onShell != nil {
				go handler.onShell(ch, requests)
				return
			}
			// Default: echo stdin back with a prefix.
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						ch.Close()
						return
					}
				}
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, status)
	ch.SendRequest("exit-status", false, payload)
}
