// Package ssh implements the SSH protocol emulator: an SSH server
// that records every login attempt and, if shell emulation is
// enabled, a minimal fake interactive shell.
package ssh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"trapline/internal/capture"
	"trapline/internal/emulator/limits"
	"trapline/internal/session"
)

// Publisher is the subset of bus.Bus the emulator needs.
type Publisher interface {
	Publish(ctx context.Context, raw capture.RawCapture) (int64, error)
}

// Config configures the SSH emulator.
type Config struct {
	// ShellEnabled controls whether a successful (always-accepted)
	// login drops the attacker into a fake shell. Off by default: a
	// honeypot that never grants a shell captures credential-stuffing
	// traffic with far less operational risk than one that does, and
	// most deployments don't need the deeper engagement.
	ShellEnabled    bool
	MaxAuthAttempts int
	Budget          limits.Budget
}

// DefaultConfig returns the emulator's documented defaults.
func DefaultConfig() Config {
	return Config{
		ShellEnabled:    false,
		MaxAuthAttempts: 4,
		Budget:          limits.Default(),
	}
}

// Emulator serves the SSH protocol.
type Emulator struct {
	cfg      Config
	bus      Publisher
	sessions *session.Manager
	signer   ssh.Signer
}

// New builds an Emulator with a freshly generated host key.
func New(cfg Config, bus Publisher, sessions *session.Manager) (*Emulator, error) {
	signer, err := generateHostKey()
	if err != nil {
		return nil, fmt.Errorf("generating ssh host key: %w", err)
	}
	return &Emulator{cfg: cfg, bus: bus, sessions: sessions, signer: signer}, nil
}

func generateHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
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
			slog.Error("ssh handler panic recovered", "panic", r)
		}
	}()

	sourceIP, sourcePort := splitHostPort(conn.RemoteAddr())
	sess := e.sessions.Create(capture.ServiceSSH, sourceIP, sourcePort)
	tracker := limits.NewTracker(e.cfg.Budget)

	e.emit(ctx, sess, capture.EventConnectionOpened, nil)

	attempts := 0
	authenticated := false

	serverCfg := &ssh.ServerConfig{
		MaxAuthTries:     e.cfg.MaxAuthAttempts,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			attempts++
			sess.Touch()
			e.emit(ctx, sess, capture.EventAuthAttempt, capture.MustJSON(capture.AuthAttemptDetails{
				Username: meta.User(),
				Password: string(password),
			}))

			if !e.cfg.ShellEnabled {
				if attempts >= e.cfg.MaxAuthAttempts {
					return nil, fmt.Errorf("too many authentication attempts")
				}
				return nil, fmt.Errorf("authentication failed")
			}
			authenticated = true
			sess.SetAuthenticated(true)
			return nil, nil
		},
	}
	serverCfg.AddHostKey(e.signer)

	tracker.ArmDeadline(conn)
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		cause := capture.CauseProtocolViolation
		if attempts >= e.cfg.MaxAuthAttempts {
			cause = capture.CauseMaxAuthAttempts
		}
		e.closeSession(ctx, sess, cause, authenticated)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go e.serveShell(ctx, sess, tracker, channel, requests)
	}

	e.closeSession(ctx, sess, capture.CausePeerClose, authenticated)
}

// serveShell emulates a minimal interactive shell: every line the
// attacker sends is captured as a command event and answered with a
// generic "command not found", never actually executing anything.
func (e *Emulator) serveShell(ctx context.Context, sess *session.Session, tracker *limits.Tracker, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	go func() {
		for req := range requests {
			switch req.Type {
			case "shell", "pty-req":
				req.Reply(true, nil)
			default:
				req.Reply(false, nil)
			}
		}
	}()

	channel.Write([]byte("$ "))
	buf := make([]byte, 4096)
	var line strings.Builder

	for {
		n, err := channel.Read(buf)
		if err != nil {
			return
		}
		if cause, over := tracker.AddBytes(n); over {
			e.emit(ctx, sess, capture.EventError, capture.MustJSON(struct {
				Reason string `json:"reason"`
			}{Reason: string(cause)}))
			return
		}

		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				cmd := line.String()
				line.Reset()
				if cmd == "" {
					channel.Write([]byte("$ "))
					continue
				}
				sess.Touch()
				e.emit(ctx, sess, capture.EventCommand, capture.MustJSON(capture.CommandDetails{Text: cmd}))
				if cause, over := tracker.AddEvent(); over {
					e.emit(ctx, sess, capture.EventError, capture.MustJSON(struct {
						Reason string `json:"reason"`
					}{Reason: string(cause)}))
					return
				}
				channel.Write([]byte(cmd + ": command not found\r\n$ "))
			} else {
				line.WriteByte(b)
			}
		}
	}
}

func (e *Emulator) closeSession(ctx context.Context, sess *session.Session, cause capture.TerminationCause, authenticated bool) {
	sess.Close(cause)
	snap := sess.Snapshot()
	e.emit(ctx, sess, capture.EventSessionClosed, capture.MustJSON(capture.SessionClosedDetails{
		Duration:      snap.EndTime.Sub(snap.StartTime),
		Authenticated: authenticated,
		Cause:         cause,
		Transcript:    snap.Transcript,
	}))
}

func (e *Emulator) emit(ctx context.Context, sess *session.Session, evtType capture.EventType, details []byte) {
	now := time.Now()
	raw := capture.RawCapture{
		Service:    capture.ServiceSSH,
		SourceIP:   sess.SourceIP,
		SourcePort: sess.SourcePort,
		StartedAt:  now,
		SessionID:  sess.ID,
		EventType:  evtType,
		Details:    details,
	}
	if _, err := e.bus.Publish(ctx, raw); err != nil {
		slog.Error("ssh: failed to publish event", "error", err)
	}
	sess.Record(details, 1024)
}

func splitHostPort(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
