package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"trapline/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		BindAddr: "127.0.0.1",
		Ports: config.PortsConfig{
			SSH: freePort(t), Telnet: freePort(t), HTTP: freePort(t),
			MQTT: freePort(t), Camera: freePort(t), QueryAPI: freePort(t),
		},
		SSH: config.SSHConfig{ShellEnabled: false, MaxAuthAttempts: 4},
		HTTP: config.HTTPConfig{MaxBodyBytes: 1 << 20, MaxUploadBytes: 1 << 20},
		Storage: config.StorageConfig{
			SQLitePath:    filepath.Join(dir, "trapline.db"),
			AuditLogPath:  filepath.Join(dir, "audit.jsonl"),
			QuarantineDir: filepath.Join(dir, "quarantine"),
		},
		Session: config.SessionConfig{
			IdleTimeout: time.Minute, MaxDuration: time.Hour,
			MaxSessionBytes: 1 << 20, MaxEvents: 1024, Store: "memory",
		},
		Bus: config.BusConfig{QueueSize: 64, SendTimeout: time.Second},
		Hub: config.HubConfig{SubscriberQueueSize: 32},
	}
	return cfg
}

// freePort grabs an ephemeral port by briefly binding to it, so the
// Supervisor's own bind doesn't race a hardcoded port against other
// tests.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewBindsAllListeners(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(sup.emulators) != 5 {
		t.Fatalf("expected 5 bound emulators, got %d", len(sup.emulators))
	}
	for _, be := range sup.emulators {
		be.ln.Close()
	}
	sup.captureLog.Close()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Give the serve loops a moment to start accepting.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(ShutdownGrace + 2*time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStatsPayloadReflectsRegistry(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		for _, be := range sup.emulators {
			be.ln.Close()
		}
		sup.captureLog.Close()
	}()

	payload, ok := sup.statsPayload().(map[string]any)
	if !ok {
		t.Fatal("expected stats payload to be a map")
	}
	if _, ok := payload["sessions"]; !ok {
		t.Error("expected sessions key in stats payload")
	}
}
