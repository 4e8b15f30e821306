// Package supervisor owns process lifecycle: wiring the Enricher, Bus,
// Capture Log, and Subscription Hub together, binding every enabled
// emulator's listener, and driving graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"log/slog"

	"trapline/internal/bus"
	"trapline/internal/capture"
	"trapline/internal/capturelog"
	"trapline/internal/config"
	"trapline/internal/emulator/camera"
	"trapline/internal/emulator/http"
	"trapline/internal/emulator/mqtt"
	"trapline/internal/emulator/ssh"
	"trapline/internal/emulator/telnet"
	"trapline/internal/enrich"
	"trapline/internal/hub"
	"trapline/internal/quarantine"
	"trapline/internal/session"
	"trapline/internal/telemetry"
)

// ShutdownGrace bounds how long in-flight handlers get to finalize
// their sessions once a shutdown signal arrives (listeners are already
// closed by then) before the remaining sessions are force-closed.
const ShutdownGrace = 5 * time.Second

// emulator is the subset every protocol emulator shares: it serves one
// bound listener until its context is cancelled.
type emulator interface {
	Serve(ctx context.Context, ln net.Listener) error
}

// boundEmulator pairs an emulator with the listener the Supervisor
// bound for it, so Run can log which service failed to bind or serve.
type boundEmulator struct {
	name string
	ln   net.Listener
	svc  emulator
}

// Supervisor owns the fully wired capture pipeline and every protocol
// emulator's listener. It is constructed once by cmd/trapline and its
// Run method blocks until ctx is cancelled or a listener fails.
type Supervisor struct {
	cfg *config.Config

	sessionStore session.Store
	redisStore   *session.RedisStore
	sessions     *session.Manager

	enricher   *enrich.Enricher
	geo        ioCloser
	bus        *bus.Bus
	store      *capturelog.SQLiteStore
	captureLog *capturelog.CaptureLog
	hub        *hub.Hub
	quarantine *quarantine.Store
	tracer     *telemetry.Provider

	emulators []boundEmulator
}

// ioCloser avoids importing io solely for this one optional field;
// the geo backend is the only enrichment dependency that owns a file
// handle needing a clean Close at shutdown.
type ioCloser interface {
	Close() error
}

// ErrBindFailure wraps any error returned by New that came from
// binding a listener, so cmd/trapline can tell a bind failure apart
// from a storage or session-store failure when choosing an exit code.
var ErrBindFailure = errors.New("bind failure")

// New loads no configuration itself: it wires a Supervisor from an
// already-validated cfg. Binding happens in New so a port conflict is
// reported before Run ever starts serving.
func New(cfg *config.Config) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg}

	if err := s.initStorage(); err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	if err := s.initSessions(); err != nil {
		return nil, fmt.Errorf("session store init: %w", err)
	}
	s.initTelemetry()
	if s.tracer != nil {
		s.sessions.SetTracer(s.tracer)
	}
	s.initEnrichment()
	s.initBusAndSinks()
	if err := s.bindEmulators(); err != nil {
		return nil, fmt.Errorf("binding listeners: %w: %w", ErrBindFailure, err)
	}

	return s, nil
}

func (s *Supervisor) initStorage() error {
	store, err := capturelog.NewSQLiteStore(s.cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	audit, err := capturelog.OpenAuditLog(s.cfg.Storage.AuditLogPath)
	if err != nil {
		store.Close()
		return err
	}
	s.store = store
	s.captureLog = capturelog.New(store, audit)

	q, err := quarantine.New(s.cfg.Storage.QuarantineDir, s.cfg.HTTP.MaxUploadBytes)
	if err != nil {
		return err
	}
	s.quarantine = q

	return nil
}

func (s *Supervisor) initSessions() error {
	switch s.cfg.Session.Store {
	case "redis":
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:      s.cfg.Session.Redis.Addr,
			Password:  s.cfg.Session.Redis.Password,
			DB:        s.cfg.Session.Redis.DB,
			KeyPrefix: s.cfg.Session.Redis.KeyPrefix,
		}, s.cfg.Session.IdleTimeout)
		if err != nil {
			return err
		}
		s.redisStore = store
		s.sessionStore = store
	default:
		s.sessionStore = session.NewMemoryStore()
	}

	s.sessions = session.NewManager(s.sessionStore, s.cfg.Session.IdleTimeout, s.cfg.Session.MaxDuration)
	return nil
}

// initTelemetry builds a tracing provider from cfg.Telemetry. A failed
// exporter setup degrades to an untraced Supervisor rather than
// blocking startup (tracing is ambient, not load-bearing).
func (s *Supervisor) initTelemetry() {
	if !s.cfg.Telemetry.Enabled {
		return
	}
	tp, err := telemetry.NewProvider(s.cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		return
	}
	s.tracer = tp
	slog.Info("telemetry enabled", "exporter", s.cfg.Telemetry.Exporter, "endpoint", s.cfg.Telemetry.Endpoint)
}

func (s *Supervisor) initEnrichment() {
	var geo enrich.GeoLookup
	if s.cfg.Geo.DatabasePath != "" {
		lookup, err := enrich.OpenMaxMindLookup(s.cfg.Geo.DatabasePath)
		if err != nil {
			slog.Warn("geoip database unavailable, enrichment will report geo.error", "error", err)
			geo = enrich.NullGeoLookup{}
		} else {
			geo = lookup
			s.geo = lookup
		}
	}
	s.enricher = enrich.New(geo)
}

func (s *Supervisor) initBusAndSinks() {
	s.bus = bus.New(s.enricher, s.cfg.Bus.QueueSize, s.cfg.Bus.SendTimeout)
	if s.tracer != nil {
		s.bus.SetTracer(s.tracer)
	}
	s.hub = hub.New(s.cfg.Hub.SubscriberQueueSize, s.statsPayload)
}

// registerSinks wires the Capture Log (durable) and the Hub
// (best-effort) as Bus sinks. Deferred until Run so their dispatch
// goroutines are scoped to the run context, not the constructor's.
func (s *Supervisor) registerSinks(ctx context.Context) {
	s.bus.RegisterSink(ctx, s.captureLog, true)
	s.bus.RegisterSink(ctx, s.hub, false)
}

func (s *Supervisor) bindEmulators() error {
	binders := []struct {
		name string
		port int
		make func() (emulator, error)
	}{
		{"ssh", s.cfg.Ports.SSH, func() (emulator, error) {
			cfg := ssh.DefaultConfig()
			cfg.ShellEnabled = s.cfg.SSH.ShellEnabled
			cfg.MaxAuthAttempts = s.cfg.SSH.MaxAuthAttempts
			return ssh.New(cfg, s.bus, s.sessions)
		}},
		{"telnet", s.cfg.Ports.Telnet, func() (emulator, error) {
			return telnet.New(telnet.DefaultConfig(), s.bus, s.sessions), nil
		}},
		{"http", s.cfg.Ports.HTTP, func() (emulator, error) {
			cfg := http.DefaultConfig()
			cfg.MaxBodyBytes = s.cfg.HTTP.MaxBodyBytes
			cfg.MaxUploadBytes = s.cfg.HTTP.MaxUploadBytes
			return http.New(cfg, s.bus, s.sessions, s.quarantine), nil
		}},
		{"mqtt", s.cfg.Ports.MQTT, func() (emulator, error) {
			return mqtt.New(mqtt.DefaultConfig(), s.bus, s.sessions), nil
		}},
		{"camera", s.cfg.Ports.Camera, func() (emulator, error) {
			return camera.New(camera.DefaultConfig(), s.bus, s.sessions), nil
		}},
	}

	for _, b := range binders {
		addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, b.port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("binding %s listener on %s: %w", b.name, addr, err)
		}
		svc, err := b.make()
		if err != nil {
			ln.Close()
			return fmt.Errorf("constructing %s emulator: %w", b.name, err)
		}
		s.emulators = append(s.emulators, boundEmulator{name: b.name, ln: ln, svc: svc})
		slog.Info("emulator bound", "service", b.name, "addr", addr)
	}
	return nil
}

// Run starts every emulator's serve loop, the session sweep and the
// periodic stats_update broadcast, then blocks until ctx is cancelled
// or an emulator's listener fails.
// Shutdown closes every listener, waits up to ShutdownGrace for
// in-flight sessions to finalize, then flushes and closes the sinks.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.registerSinks(runCtx)
	s.sessions.SetEndCallback(func(snap session.Session) {
		slog.Debug("session swept", "session_id", snap.ID, "cause", snap.Cause)
	})
	go s.sessions.Run(runCtx)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.hub.BroadcastStats()
			}
		}
	}()

	errCh := make(chan error, len(s.emulators))
	for _, be := range s.emulators {
		be := be
		go func() {
			if err := be.svc.Serve(runCtx, be.ln); err != nil {
				errCh <- fmt.Errorf("%s emulator: %w", be.name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-errCh:
		slog.Error("emulator failed, shutting down", "error", runErr)
	}

	s.shutdown(runCtx, cancel)
	return runErr
}

// shutdown closes every listener (stopping new accepts) and cancels the
// run context. The HTTP and camera emulators close their open
// connections on that cancellation; SSH, Telnet and MQTT handlers are
// not interrupted and end on their own deadlines. It then waits up to
// ShutdownGrace for the Manager to report no active sessions, marks
// any session still active as closed with cause shutdown (no
// session_closed event is emitted for those), and closes the sinks.
func (s *Supervisor) shutdown(runCtx context.Context, cancel context.CancelFunc) {
	for _, be := range s.emulators {
		be.ln.Close()
	}
	cancel()

	deadline := time.Now().Add(ShutdownGrace)
	for time.Now().Before(deadline) {
		if s.sessions.Stats().Active == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	closed := s.sessions.CloseAll(capture.CauseShutdown)
	if len(closed) > 0 {
		slog.Warn("force-closed sessions at shutdown", "count", len(closed))
	}

	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			slog.Error("redis store close error", "error", err)
		}
	}
	if s.geo != nil {
		if err := s.geo.Close(); err != nil {
			slog.Error("geoip database close error", "error", err)
		}
	}
	if err := s.captureLog.Close(); err != nil {
		slog.Error("capture log close error", "error", err)
	}
	if s.tracer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownGrace)
		if err := s.tracer.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
		shutdownCancel()
	}

	slog.Info("supervisor stopped")
}

// statsPayload is the Hub's periodic stats_update payload, built from
// the live session registry and the Bus's drop counters.
func (s *Supervisor) statsPayload() any {
	return map[string]any{
		"sessions":     s.sessions.Stats(),
		"bus_dropped":  s.bus.DroppedTotal(),
		"sink_dropped": s.bus.SinkStats(),
		"subscribers":  s.hub.Count(),
	}
}

// CaptureStore exposes the indexed store for the Query API's read
// endpoints. capturelog.CaptureLog only exposes the write path the Bus
// needs, so the Supervisor keeps its own reference to the store for
// reads.
func (s *Supervisor) CaptureStore() *capturelog.SQLiteStore {
	return s.store
}

// Quarantine exposes the file store for the Query API's download
// endpoint.
func (s *Supervisor) Quarantine() *quarantine.Store {
	return s.quarantine
}

// Hub exposes the Subscription Hub for the Query API's /ws/events
// upgrade handler.
func (s *Supervisor) Hub() *hub.Hub {
	return s.hub
}

// Sessions exposes the session registry for the Query API's live
// session views.
func (s *Supervisor) Sessions() *session.Manager {
	return s.sessions
}
