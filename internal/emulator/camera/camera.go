// Package camera implements the IP-camera protocol emulator: a login
// form and a looped MJPEG stream served over plain HTTP.
package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"trapline/internal/capture"
	"trapline/internal/emulator/limits"
	"trapline/internal/session"
)

// Publisher is the subset of bus.Bus the emulator needs.
type Publisher interface {
	Publish(ctx context.Context, raw capture.RawCapture) (int64, error)
}

const (
	streamPath    = "/video_feed"
	loginPath     = "/login"
	mjpegBoundary = "trapline-camera-frame"
)

// placeholderFrames is a tiny embedded set of 1x1 JPEG frames replayed
// in a loop for the MJPEG stream. Real frame bytes never touch disk
// per request, the whole sequence lives in memory for the process
// lifetime.
var placeholderFrames = [][]byte{
	blackJPEGFrame(),
}

// blackJPEGFrame returns a minimal valid 1x1 black JPEG. Computed once
// at package init rather than embedded as a binary asset, keeping the
// emulator dependency-free for its placeholder video.
func blackJPEGFrame() []byte {
	return []byte{
		0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46, 0x00, 0x01,
		0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xFF, 0xDB, 0x00, 0x43,
		0x00, 0x03, 0x02, 0x02, 0x02, 0x02, 0x02, 0x03, 0x02, 0x02, 0x02, 0x03,
		0x03, 0x03, 0x03, 0x04, 0x06, 0x04, 0x04, 0x04, 0x04, 0x04, 0x08, 0x06,
		0x06, 0x05, 0x06, 0x09, 0x08, 0x0A, 0x0A, 0x09, 0x08, 0x09, 0x09, 0x0A,
		0x0C, 0x0F, 0x0C, 0x0A, 0x0B, 0x0E, 0x0B, 0x09, 0x09, 0x0D, 0x11, 0x0D,
		0x0E, 0x0F, 0x10, 0x10, 0x11, 0x10, 0x0A, 0x0C, 0x12, 0x13, 0x12, 0x10,
		0x13, 0x0F, 0x10, 0x10, 0x10, 0xFF, 0xC9, 0x00, 0x0B, 0x08, 0x00, 0x01,
		0x00, 0x01, 0x01, 0x01, 0x11, 0x00, 0xFF, 0xCC, 0x00, 0x06, 0x00, 0x10,
		0x10, 0x05, 0xFF, 0xDA, 0x00, 0x08, 0x01, 0x01, 0x00, 0x00, 0x3F, 0x00,
		0xD2, 0xCF, 0x20, 0xFF, 0xD9,
	}
}

// Config configures the camera emulator.
type Config struct {
	FrameInterval time.Duration
	Budget        limits.Budget
}

// DefaultConfig returns the emulator's documented defaults.
func DefaultConfig() Config {
	return Config{
		FrameInterval: 200 * time.Millisecond,
		Budget:        limits.Default(),
	}
}

// Emulator serves the IP-camera protocol.
type Emulator struct {
	cfg      Config
	bus      Publisher
	sessions *session.Manager
	server   *http.Server
}

// New builds an Emulator.
func New(cfg Config, bus Publisher, sessions *session.Manager) *Emulator {
	e := &Emulator{cfg: cfg, bus: bus, sessions: sessions}
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.serveLanding)
	mux.HandleFunc(loginPath, e.serveLogin)
	mux.HandleFunc(streamPath, e.serveStream)
	e.server = &http.Server{Handler: mux}
	return e
}

// Serve accepts connections on ln until ctx is cancelled.
func (e *Emulator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		e.server.Close()
	}()
	err := e.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (e *Emulator) serveLanding(w http.ResponseWriter, r *http.Request) {
	sess := e.newRequestSession(r)
	defer e.finish(r.Context(), sess, capture.CausePeerClose)

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>IP Camera</h1><form method="POST" action="/login">`+
		`<input name="username"><input type="password" name="password">`+
		`<button type="submit">Login</button></form></body></html>`)
}

func (e *Emulator) serveLogin(w http.ResponseWriter, r *http.Request) {
	sess := e.newRequestSession(r)
	defer e.finish(r.Context(), sess, capture.CausePeerClose)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.ParseForm()
	username := r.FormValue("username")
	password := r.FormValue("password")

	sess.Touch()
	e.emit(r.Context(), sess, capture.EventAuthAttempt, capture.MustJSON(capture.AuthAttemptDetails{
		Username: username,
		Password: password,
	}))

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, `<html><body><h1>Invalid credentials</h1></body></html>`)
}

// serveStream streams the placeholder frame set in a loop until the
// client disconnects or a per-connection budget is exceeded.
func (e *Emulator) serveStream(w http.ResponseWriter, r *http.Request) {
	sess := e.newRequestSession(r)
	tracker := limits.NewTracker(e.cfg.Budget)

	sess.Touch()
	e.emit(r.Context(), sess, capture.EventVideoAccess, nil)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	flusher, ok := w.(http.Flusher)
	if !ok {
		e.finish(r.Context(), sess, capture.CauseProtocolViolation)
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			e.finish(context.Background(), sess, capture.CausePeerClose)
			return
		case <-ticker.C:
			frame := placeholderFrames[i%len(placeholderFrames)]
			i++

			n, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame))
			if err != nil {
				e.finish(ctx, sess, capture.CausePeerClose)
				return
			}
			written, err := w.Write(frame)
			if err != nil {
				e.finish(ctx, sess, capture.CausePeerClose)
				return
			}
			io.WriteString(w, "\r\n")
			flusher.Flush()

			if cause, over := tracker.AddBytes(n + written); over {
				e.finish(ctx, sess, cause)
				return
			}
			if cause, over := tracker.CheckDuration(); over {
				e.finish(ctx, sess, cause)
				return
			}
		}
	}
}

func (e *Emulator) newRequestSession(r *http.Request) *session.Session {
	sourceIP, sourcePort := splitHostPort(r.RemoteAddr)
	sess := e.sessions.Create(capture.ServiceCamera, sourceIP, sourcePort)
	e.emit(r.Context(), sess, capture.EventConnectionOpened, nil)
	return sess
}

func (e *Emulator) finish(ctx context.Context, sess *session.Session, cause capture.TerminationCause) {
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
		Service:    capture.ServiceCamera,
		SourceIP:   sess.SourceIP,
		SourcePort: sess.SourcePort,
		StartedAt:  time.Now(),
		SessionID:  sess.ID,
		EventType:  evtType,
		Details:    details,
	}
	if _, err := e.bus.Publish(ctx, raw); err != nil {
		slog.Error("camera: failed to publish event", "error", err)
	}
	sess.Record(details, 1024)
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
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
