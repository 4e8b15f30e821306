// Package http implements the HTTP protocol emulator: a plain
// http.Server that captures every request, streams multipart uploads
// into quarantine, and answers from a fixed path-based response table.
package http

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"trapline/internal/capture"
	"trapline/internal/emulator/limits"
	"trapline/internal/quarantine"
	"trapline/internal/session"
)

// Publisher is the subset of bus.Bus the emulator needs.
type Publisher interface {
	Publish(ctx context.Context, raw capture.RawCapture) (int64, error)
}

// Config configures the HTTP emulator.
type Config struct {
	MaxBodyBytes   int64
	MaxUploadBytes int64
	Budget         limits.Budget
}

// DefaultConfig returns the emulator's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 8 << 20,
		Budget:         limits.Default(),
	}
}

// Emulator serves the HTTP protocol.
type Emulator struct {
	cfg        Config
	bus        Publisher
	sessions   *session.Manager
	quarantine *quarantine.Store
	server     *http.Server
}

// New builds an Emulator. q may be nil to disable file capture (a
// multipart body is then read like any other body, as a truncated
// preview, and no files are listed in the capture).
func New(cfg Config, bus Publisher, sessions *session.Manager, q *quarantine.Store) *Emulator {
	e := &Emulator{cfg: cfg, bus: bus, sessions: sessions, quarantine: q}
	e.server = &http.Server{
		Handler:      http.HandlerFunc(e.serveHTTP),
		ReadTimeout:  cfg.Budget.IdleTimeout,
		WriteTimeout: cfg.Budget.IdleTimeout,
		IdleTimeout:  cfg.Budget.IdleTimeout,
	}
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

func (e *Emulator) serveHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("http handler panic recovered", "panic", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	ctx := r.Context()
	sourceIP, sourcePort := splitHostPort(r.RemoteAddr)
	sess := e.sessions.Create(capture.ServiceHTTP, sourceIP, sourcePort)
	tracker := limits.NewTracker(e.cfg.Budget)

	e.emit(ctx, sess, capture.EventConnectionOpened, nil)

	files, bodyPreview, err := e.captureBody(r, tracker)
	if err != nil {
		e.emit(ctx, sess, capture.EventError, capture.MustJSON(struct {
			Reason string `json:"reason"`
		}{Reason: err.Error()}))
	}

	status := e.routeStatus(r.URL.Path)

	sess.Touch()
	e.emit(ctx, sess, capture.EventHTTPRequest, capture.MustJSON(capture.HTTPRequestDetails{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Headers:     r.Header,
		BodyPreview: bodyPreview,
		UserAgent:   r.UserAgent(),
		Files:       files,
		StatusCode:  status,
	}))

	if len(files) > 0 {
		for _, f := range files {
			e.emit(ctx, sess, capture.EventFileUpload, capture.MustJSON(f))
		}
	}

	w.Header().Set("Server", "Apache/2.4.41 (Ubuntu)")
	w.WriteHeader(status)
	w.Write([]byte(responseBody(status)))

	e.closeSession(ctx, sess, capture.CausePeerClose)
}

// routeStatus implements the fixed path-based response table.
func (e *Emulator) routeStatus(path string) int {
	lower := strings.ToLower(path)
	switch {
	case path == "/":
		return http.StatusOK
	case strings.HasPrefix(lower, "/admin") || strings.Contains(lower, "wp-admin"):
		return http.StatusForbidden
	case strings.HasSuffix(lower, ".php"):
		return http.StatusInternalServerError
	case isStaticLookingPath(lower):
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func isStaticLookingPath(path string) bool {
	for _, ext := range []string{".js", ".css", ".png", ".jpg", ".jpeg", ".ico", ".map", ".woff", ".woff2"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func responseBody(status int) string {
	switch status {
	case http.StatusForbidden:
		return "<html><body><h1>403 Forbidden</h1></body></html>"
	case http.StatusInternalServerError:
		return "<html><body><h1>500 Internal Server Error</h1></body></html>"
	case http.StatusNotFound:
		return "<html><body><h1>404 Not Found</h1></body></html>"
	default:
		return "<html><body><h1>It works!</h1></body></html>"
	}
}

// captureBody reads the request body, bounded by MaxBodyBytes, and
// streams any multipart file parts into quarantine. Non-multipart
// bodies are captured as a preview truncated to 2048 bytes.
func (e *Emulator) captureBody(r *http.Request, tracker *limits.Tracker) ([]capture.FileCapture, string, error) {
	if r.Body == nil {
		return nil, "", nil
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") && e.quarantine != nil {
		return e.captureMultipart(r, params, tracker)
	}

	limited := io.LimitReader(r.Body, e.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", err
	}
	if cause, over := tracker.AddBytes(len(body)); over {
		return nil, previewOf(body), &limitError{cause}
	}
	return nil, previewOf(body), nil
}

func (e *Emulator) captureMultipart(r *http.Request, params map[string]string, tracker *limits.Tracker) ([]capture.FileCapture, string, error) {
	boundary, ok := params["boundary"]
	if !ok {
		return nil, "", nil
	}
	reader := multipart.NewReader(r.Body, boundary)

	var files []capture.FileCapture
	var fields strings.Builder

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fields.String(), err
		}

		if part.FileName() != "" {
			limited := io.LimitReader(part, e.cfg.MaxUploadBytes)
			fc, err := e.quarantine.Store(part.FileName(), part.Header.Get("Content-Type"), limited)
			part.Close()
			if err != nil {
				slog.Warn("http: failed to quarantine upload", "error", err, "filename", part.FileName())
				continue
			}
			tracker.AddBytes(int(fc.Size))
			files = append(files, fc)
			continue
		}

		value, _ := io.ReadAll(io.LimitReader(part, 4096))
		part.Close()
		fields.WriteString(part.FormName())
		fields.WriteString("=")
		fields.Write(value)
		fields.WriteString("; ")
	}

	return files, fields.String(), nil
}

func previewOf(body []byte) string {
	const max = 2048
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

type limitError struct {
	cause capture.TerminationCause
}

func (e *limitError) Error() string { return string(e.cause) }

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
		Service:    capture.ServiceHTTP,
		SourceIP:   sess.SourceIP,
		SourcePort: sess.SourcePort,
		StartedAt:  time.Now(),
		SessionID:  sess.ID,
		EventType:  evtType,
		Details:    details,
	}
	if _, err := e.bus.Publish(ctx, raw); err != nil {
		slog.Error("http: failed to publish event", "error", err)
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
