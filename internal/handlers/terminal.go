package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/config"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub005/internal/session"
	"github.com/minhtuancn/server-monitor-sub005/internal/sshconn"
	"github.com/minhtuancn/server-monitor-sub005/internal/vault"
)

// terminalRateLimit is the maximum number of messages allowed per second per
// websocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// terminalReadLimit bounds a single websocket frame. Larger than the input
// message limit so the pump can reject oversized input with an error message
// instead of the connection dying on a protocol violation.
const terminalReadLimit = 2 * session.MaxInputMessageSize

// connectDeadline is how long a fresh websocket may sit idle before sending
// its connect message.
const connectDeadline = 30 * time.Second

type terminalClientMsg struct {
	Type         string `json:"type"`
	TargetID     uint   `json:"target_id,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	Data         string `json:"data,omitempty"`
	Cols         uint16 `json:"cols,omitempty"`
	Rows         uint16 `json:"rows,omitempty"`
}

type terminalServerMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}

// wsTransport adapts a websocket connection to the pump's client transport.
// A mutex serializes writes; the output relay and the read loop both send.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
	ctx  context.Context
}

func (t *wsTransport) send(msg terminalServerMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(t.ctx, websocket.MessageText, data)
}

func (t *wsTransport) WriteOutput(data []byte) error {
	return t.send(terminalServerMsg{Type: "output", Data: string(data)})
}

func (t *wsTransport) WriteError(msg string) error {
	return t.send(terminalServerMsg{Type: "error", Message: msg})
}

// tokenBucket is a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// TerminalWS serves one interactive terminal session over a websocket.
//
// The client speaks JSON text messages: first a `connect` naming the target
// server and optionally a credential, then any mix of `input`, `resize`, and
// `stop`. The server answers with `connected`, `output`, and `error`
// messages. Unknown message types are ignored so the protocol can grow
// without breaking older servers.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	if SessionReg == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	identity := middleware.GetIdentity(r)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(terminalReadLimit)

	ctx := r.Context()
	transport := &wsTransport{conn: clientConn, ctx: ctx}

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectDeadline)
	_, data, err := clientConn.Read(connectCtx)
	cancelConnect()
	if err != nil {
		return
	}
	var connect terminalClientMsg
	if err := json.Unmarshal(data, &connect); err != nil || connect.Type != "connect" {
		transport.WriteError("expected a connect message")
		clientConn.Close(websocket.StatusPolicyViolation, "expected a connect message")
		return
	}

	srv, err := database.GetServer(connect.TargetID)
	if err != nil {
		transport.WriteError("server not found")
		clientConn.Close(websocket.StatusPolicyViolation, "server not found")
		return
	}

	auth, credID, err := resolveAuth(identity.User, srv, connect.CredentialID)
	if err != nil {
		if errors.Is(err, vault.ErrIntegrity) {
			transport.WriteError("credential failed integrity check")
		} else {
			transport.WriteError(err.Error())
		}
		clientConn.Close(websocket.StatusPolicyViolation, "credential unavailable")
		return
	}
	defer zeroAuth(&auth)

	sess, err := SessionReg.Create(srv.ID, identity.User, credID)
	if err != nil {
		transport.WriteError("failed to create session")
		return
	}
	target := sshconn.Target{
		Host:               srv.Host,
		Port:               srv.Port,
		HostKeyFingerprint: srv.HostKeyFingerprint,
	}

	handle, err := sshconn.Connect(ctx, target, auth, config.Cfg.ConnectTimeout())
	if err != nil {
		kind := sshconn.ErrorKind(err)
		audit.ConnectFailed(identity.User, sessionTarget(srv.ID), string(kind), err.Error())
		SessionReg.Transition(sess.ID, session.StatusError, "connect failed: "+string(kind))
		transport.WriteError(err.Error())
		clientConn.Close(websocket.StatusInternalError, "connect failed")
		return
	}
	defer handle.Close()
	audit.ConnectSucceeded(identity.User, sessionTarget(srv.ID))

	if srv.HostKeyFingerprint == "" && handle.SeenHostKeyFingerprint != "" {
		if err := database.SetServerHostKeyFingerprint(srv.ID, handle.SeenHostKeyFingerprint); err != nil {
			log.Printf("failed to pin host key for server %d: %v", srv.ID, err)
		}
	}

	shell, err := handle.OpenShell(connect.Cols, connect.Rows)
	if err != nil {
		SessionReg.Transition(sess.ID, session.StatusError, "shell open failed")
		transport.WriteError("failed to open shell")
		clientConn.Close(websocket.StatusInternalError, "shell open failed")
		return
	}

	pump, err := session.NewPump(SessionReg, sess, shell, transport, Policy)
	if err != nil {
		shell.Close()
		SessionReg.Transition(sess.ID, session.StatusError, "pump bind failed")
		transport.WriteError("session already attached")
		return
	}
	if err := SessionReg.Transition(sess.ID, session.StatusActive, ""); err != nil {
		SessionReg.ReleasePump(sess.ID)
		shell.Close()
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	pump.Start(relayCtx)

	if err := transport.send(terminalServerMsg{Type: "connected", SessionID: sess.ID}); err != nil {
		relayCancel()
		<-pump.Done()
		return
	}

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Client -> pump. Ends on websocket close, stop message, or pump death.
	go func() {
		defer relayCancel()
		for {
			_, data, err := clientConn.Read(relayCtx)
			if err != nil {
				// A clean close frame is a caller-initiated disconnect and
				// ends the session CLOSED, same as an explicit stop. Abrupt
				// drops fall through to the relay cancel and end INTERRUPTED.
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					pump.Stop()
					<-pump.Done()
				}
				return
			}
			if !limiter.allow() {
				continue
			}

			var msg terminalClientMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := pump.Input([]byte(msg.Data)); err != nil {
					return
				}
			case "resize":
				pump.Resize(msg.Cols, msg.Rows)
			case "stop":
				// Let the pump wind down before cancelling the relay
				// context, so the session ends CLOSED rather than
				// INTERRUPTED.
				pump.Stop()
				<-pump.Done()
				return
			default:
				// Unknown types are ignored.
			}
		}
	}()

	<-pump.Done()
	clientConn.Close(websocket.StatusNormalClosure, "")
}

func sessionTarget(serverID uint) string {
	return fmt.Sprintf("server:%d", serverID)
}
