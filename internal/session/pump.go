package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/policy"
)

// RemoteShell is the SSH side of a pump: an interactive PTY-backed stream
// that can be resized. *sshconn.Shell satisfies it.
type RemoteShell interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// MaxInputMessageSize bounds a single input message. Larger messages are
// rejected to keep a hostile caller from stalling the relay.
const MaxInputMessageSize = 64 * 1024

// drainWindow is how long a stopping pump lets in-flight remote output flush
// before the shell is torn down.
const drainWindow = 250 * time.Millisecond

// ClientTransport is the caller side of a pump: usually a websocket, a pipe
// in tests. Implementations must be safe for concurrent WriteOutput and
// WriteError calls.
type ClientTransport interface {
	// WriteOutput relays remote output bytes to the caller.
	WriteOutput(data []byte) error
	// WriteError delivers a human-readable, credential-free error message.
	WriteError(msg string) error
}

// Pump owns the two byte relays of one ACTIVE session: remote stdout to the
// caller transport, and caller input to remote stdin. A control path applies
// resize and stop without touching either relay. Exactly one pump can be
// bound to a session at a time (enforced by the registry).
type Pump struct {
	reg    *Registry
	sess   *Session
	shell  RemoteShell
	client ClientTransport
	engine *policy.Engine

	guard lineGuard

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPump binds a pump to the session and takes ownership of the shell. The
// bind fails if another pump already owns the session's relays.
func NewPump(reg *Registry, sess *Session, shell RemoteShell, client ClientTransport, engine *policy.Engine) (*Pump, error) {
	if err := reg.BindPump(sess.ID); err != nil {
		return nil, err
	}
	return &Pump{
		reg:    reg,
		sess:   sess,
		shell:  shell,
		client: client,
		engine: engine,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the output relay and the stop watcher. It returns
// immediately; input flows through Input as the caller transport delivers it.
// When the pump ends it transitions the session to its terminal state,
// releases the pump slot, and closes Done.
func (p *Pump) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	outputDone := make(chan error, 1)
	go p.relayOutput(outputDone)

	go func() {
		defer close(p.done)
		defer p.reg.ReleasePump(p.sess.ID)

		var final Status
		var note string

		select {
		case err := <-outputDone:
			if err != nil {
				final, note = StatusError, fmt.Sprintf("transport fault: %v", err)
			} else {
				final, note = StatusClosed, "remote eof"
			}
			p.shell.Close()

		case <-p.sess.StopRequested():
			final, note = p.sess.stopTarget()
			p.drainAndClose(outputDone)

		case <-ctx.Done():
			final, note = StatusInterrupted, "transport disconnected"
			p.drainAndClose(outputDone)
		}

		if err := p.reg.Transition(p.sess.ID, final, note); err != nil {
			// The registry may have forced a terminal state already
			// (shutdown, reaper); that state wins.
			log.Printf("[pump] session %s: %v", p.sess.ID, err)
		}
	}()
}

// drainAndClose gives in-flight output a bounded window to flush, then tears
// down the shell, which in turn ends the output relay.
func (p *Pump) drainAndClose(outputDone <-chan error) {
	select {
	case <-outputDone:
	case <-time.After(drainWindow):
	}
	p.shell.Close()
}

// relayOutput pumps remote stdout to the caller until EOF or a transport
// fault. Bytes within this direction preserve arrival order.
func (p *Pump) relayOutput(done chan<- error) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.shell.Read(buf)
		if n > 0 {
			p.reg.Touch(p.sess.ID)
			if werr := p.client.WriteOutput(buf[:n]); werr != nil {
				done <- werr
				return
			}
		}
		if err != nil {
			// Clean remote EOF is a normal close, not a fault.
			if errors.Is(err, io.EOF) {
				done <- nil
			} else {
				done <- err
			}
			return
		}
	}
}

// Input relays caller bytes to remote stdin, running completed lines through
// the command guard first. Oversized messages are dropped with an error to
// the caller rather than truncated.
func (p *Pump) Input(data []byte) error {
	if len(data) > MaxInputMessageSize {
		p.client.WriteError("input message too large")
		return nil
	}

	forward, denied := p.guard.filter(data, p.engine)
	if denied != nil {
		audit.PolicyDenied(p.sess.Caller, fmt.Sprintf("session:%s", p.sess.ID), denied.Decision.Command, denied.Decision.MatchedPattern)
		p.client.WriteError(denied.Error())
	}
	if len(forward) == 0 {
		return nil
	}

	p.reg.Touch(p.sess.ID)
	if _, err := p.shell.Write(forward); err != nil {
		return fmt.Errorf("write to remote stdin: %w", err)
	}
	return nil
}

// Resize applies new PTY dimensions. Control messages never interrupt the
// data relays.
func (p *Pump) Resize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	if err := p.shell.Resize(cols, rows); err != nil {
		log.Printf("[pump] session %s resize failed: %v", p.sess.ID, err)
	}
}

// Stop requests a caller-initiated shutdown of both relays. The session ends
// CLOSED, not INTERRUPTED: the caller asked for this.
func (p *Pump) Stop() {
	p.sess.requestStop(StatusClosed, "caller stop")
}

// Done is closed after both relays have ended and the terminal transition
// has been recorded.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// lineGuard assembles interactive input into command lines so the safety
// policy can evaluate what the remote shell is about to execute. The guard
// sees keystrokes: printable bytes accumulate, backspace pops, escape
// sequences (arrow keys and the like) are ignored. When a line terminator
// arrives the assembled command is evaluated; a denied command has its
// terminator replaced by a kill-line control so the remote shell discards
// the typed text instead of running it.
type lineGuard struct {
	line []byte
	esc  int // 0 = none, 1 = after ESC, 2 = inside a CSI/SS3 sequence
}

const (
	ctrlKillLine = 0x15 // NAK, kills the pending input line in canonical shells
	ctrlEscape   = 0x1b
	ctrlBackspc  = 0x08
	asciiDelete  = 0x7f
)

// filter returns the bytes to forward to the remote and, when a completed
// line was denied, the violation. Evaluation is per completed line; partial
// lines pass through untouched so echo and editing stay responsive.
func (g *lineGuard) filter(data []byte, engine *policy.Engine) ([]byte, *policy.ViolationError) {
	if engine == nil {
		return data, nil
	}

	var violation *policy.ViolationError
	forward := make([]byte, 0, len(data))

	for _, b := range data {
		if g.esc == 1 {
			forward = append(forward, b)
			if b == '[' || b == 'O' {
				g.esc = 2
			} else {
				// Two-byte sequence, done.
				g.esc = 0
			}
			continue
		}
		if g.esc == 2 {
			// Consume until the final byte of the CSI/SS3 sequence.
			forward = append(forward, b)
			if b >= 0x40 && b <= 0x7e {
				g.esc = 0
			}
			continue
		}

		switch {
		case b == ctrlEscape:
			g.esc = 1
			forward = append(forward, b)

		case b == '\r' || b == '\n':
			command := string(g.line)
			g.line = g.line[:0]
			if command != "" {
				if _, err := engine.Check(command); err != nil {
					if v, ok := err.(*policy.ViolationError); ok {
						violation = v
						// Replace the terminator: kill the pending line on
						// the remote instead of executing it.
						forward = append(forward, ctrlKillLine)
						continue
					}
				}
			}
			forward = append(forward, b)

		case b == ctrlBackspc || b == asciiDelete:
			if len(g.line) > 0 {
				g.line = g.line[:len(g.line)-1]
			}
			forward = append(forward, b)

		case b == ctrlKillLine:
			g.line = g.line[:0]
			forward = append(forward, b)

		case b >= 32 && b < 127:
			g.line = append(g.line, b)
			forward = append(forward, b)

		default:
			forward = append(forward, b)
		}
	}

	return forward, violation
}
