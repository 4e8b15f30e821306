// Package telnet implements the Telnet protocol emulator: a raw
// net.Conn handler that prompts for credentials, records them, and
// never grants access.
package telnet

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"trapline/internal/capture"
	"trapline/internal/emulator/limits"
	"trapline/internal/session"
)

// Publisher is the subset of bus.Bus the emulator needs.
type Publisher interface {
	Publish(ctx context.Context, raw capture.RawCapture) (int64, error)
}

// Config configures the Telnet emulator.
type Config struct {
	Banner string
	Budget limits.Budget
}

// DefaultConfig returns the emulator's documented defaults.
func DefaultConfig() Config {
	return Config{
		Banner: "Ubuntu 20.04 LTS\r\n",
		Budget: limits.Default(),
	}
}

// Emulator serves the Telnet protocol.
type Emulator struct {
	cfg      Config
	bus      Publisher
	sessions *session.Manager
}

// New builds an Emulator.
func New(cfg Config, bus Publisher, sessions *session.Manager) *Emulator {
	return &Emulator{cfg: cfg, bus: bus, sessions: sessions}
}

// Serve accepts connections on ln until ctx is cancelled.
func (e *Emulator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go e.handleConn(ctx, conn)
	}
}

func (e *Emulator) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telnet handler panic recovered", "panic", r)
		}
	}()

	sourceIP, sourcePort := splitHostPort(conn.RemoteAddr())
	sess := e.sessions.Create(capture.ServiceTelnet, sourceIP, sourcePort)
	tracker := limits.NewTracker(e.cfg.Budget)

	e.emit(ctx, sess, capture.EventConnectionOpened, nil)

	reader := bufio.NewReader(conn)
	cause := e.runPrompt(conn, reader, sess, tracker)

	e.closeSession(ctx, sess, cause)
}

// runPrompt drives the username/password prompt sequence once, then
// closes: Telnet never grants a shell.
func (e *Emulator) runPrompt(conn net.Conn, reader *bufio.Reader, sess *session.Session, tracker *limits.Tracker) capture.TerminationCause {
	conn.Write([]byte(e.cfg.Banner))

	username, ok := e.readPrompt(conn, reader, "Username: ", tracker)
	if !ok {
		return capture.CauseIdleTimeout
	}
	password, ok := e.readPrompt(conn, reader, "Password: ", tracker)
	if !ok {
		return capture.CauseIdleTimeout
	}

	sess.Touch()
	e.emit(context.Background(), sess, capture.EventAuthAttempt, capture.MustJSON(capture.AuthAttemptDetails{
		Username: username,
		Password: password,
	}))

	if cause, over := tracker.AddEvent(); over {
		return cause
	}

	conn.Write([]byte("\r\nLogin incorrect\r\n"))
	return capture.CausePeerClose
}

func (e *Emulator) readPrompt(conn net.Conn, reader *bufio.Reader, prompt string, tracker *limits.Tracker) (string, bool) {
	if err := tracker.ArmDeadline(conn); err != nil {
		return "", false
	}
	conn.Write([]byte(prompt))

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	if _, over := tracker.AddBytes(len(line)); over {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (e *Emulator) closeSession(ctx context.Context, sess *session.Session, cause capture.TerminationCause) {
	sess.Close(cause)
	snap := sess.Snapshot()
	e.emit(ctx, sess, capture.EventSessionClosed, capture.MustJSON(capture.SessionClosedDetails{
		Duration:   snap.EndTime.Sub(snap.StartTime),
		Cause:      cause,
		Transcript: snap.Transcript,
	}))
}

func (e *Emulator) emit(ctx context.Context, sess *session.Session, evtType capture.EventType, details []byte) {
	raw := capture.RawCapture{
		Service:    capture.ServiceTelnet,
		SourceIP:   sess.SourceIP,
		SourcePort: sess.SourcePort,
		StartedAt:  time.Now(),
		SessionID:  sess.ID,
		EventType:  evtType,
		Details:    details,
	}
	if _, err := e.bus.Publish(ctx, raw); err != nil {
		slog.Error("telnet: failed to publish event", "error", err)
	}
	sess.Record(details, 1024)
}

func splitHostPort(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}
