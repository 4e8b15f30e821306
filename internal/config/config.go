// Package config loads trapline's configuration: a YAML file layered
// with environment variable overrides, validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for trapline.
type Config struct {
	BindAddr  string          `yaml:"bind_addr"`
	Ports     PortsConfig     `yaml:"ports"`
	SSH       SSHConfig       `yaml:"ssh"`
	HTTP      HTTPConfig      `yaml:"http"`
	Geo       GeoConfig       `yaml:"geo"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Bus       BusConfig       `yaml:"bus"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PortsConfig lists every emulator's listen port plus the read API.
type PortsConfig struct {
	SSH      int `yaml:"ssh"`
	Telnet   int `yaml:"telnet"`
	HTTP     int `yaml:"http"`
	MQTT     int `yaml:"mqtt"`
	Camera   int `yaml:"camera"`
	QueryAPI int `yaml:"query_api"`
}

// SSHConfig configures the SSH emulator.
type SSHConfig struct {
	ShellEnabled    bool `yaml:"shell_enabled"`
	MaxAuthAttempts int  `yaml:"max_auth_attempts"`
}

// HTTPConfig configures the HTTP emulator.
type HTTPConfig struct {
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// GeoConfig configures the GeoIP lookup backend.
type GeoConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// StorageConfig configures the Capture Log's two representations.
type StorageConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	AuditLogPath  string `yaml:"audit_log_path"`
	QuarantineDir string `yaml:"quarantine_dir"`
}

// SessionConfig configures per-connection session lifecycle limits
// and the session registry's backing store.
type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	MaxSessionBytes int64         `yaml:"max_session_bytes"`
	MaxEvents       int           `yaml:"max_events"`
	Store           string        `yaml:"store"` // "memory" or "redis"
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration for the
// distributed session registry.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BusConfig configures the Event Bus's per-sink queue depth and
// durable-sink backpressure timeout.
type BusConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// HubConfig configures the Subscription Hub's per-subscriber queue.
type HubConfig struct {
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file at path, layering
// environment variable overrides and validating the result. A missing
// file falls back to documented defaults rather than failing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if verr := cfg.validate(); verr != nil {
				return nil, fmt.Errorf("validating config: %w", verr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config matching the documented port/limit
// defaults.
func defaults() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		Ports: PortsConfig{
			SSH:      2222,
			Telnet:   2323,
			HTTP:     8080,
			MQTT:     1883,
			Camera:   5000,
			QueryAPI: 8000,
		},
		SSH: SSHConfig{
			ShellEnabled:    false,
			MaxAuthAttempts: 4,
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:   1 << 20,
			MaxUploadBytes: 8 << 20,
		},
		Geo: GeoConfig{
			DatabasePath: "",
		},
		Storage: StorageConfig{
			SQLitePath:    "data/trapline.db",
			AuditLogPath:  "data/audit.jsonl",
			QuarantineDir: "data/quarantine",
		},
		Session: SessionConfig{
			IdleTimeout:     60 * time.Second,
			MaxDuration:     10 * time.Minute,
			MaxSessionBytes: 1 << 20,
			MaxEvents:       1024,
			Store:           "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "trapline:session:",
			},
		},
		Bus: BusConfig{
			QueueSize:   1024,
			SendTimeout: 2 * time.Second,
		},
		Hub: HubConfig{
			SubscriberQueueSize: 256,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "trapline",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides per
// spec.md §6's external-interfaces list, plus teacher-parity ambient
// overrides not named there.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	overrideInt(&c.Ports.SSH, "SSH_PORT")
	overrideInt(&c.Ports.Telnet, "TELNET_PORT")
	overrideInt(&c.Ports.HTTP, "HTTP_PORT")
	overrideInt(&c.Ports.MQTT, "MQTT_PORT")
	overrideInt(&c.Ports.Camera, "CAMERA_PORT")
	overrideInt(&c.Ports.QueryAPI, "API_PORT")

	if v := os.Getenv("SSH_SHELL_ENABLED"); v != "" {
		c.SSH.ShellEnabled = v == "true"
	}

	if v := os.Getenv("GEOIP_DB_PATH"); v != "" {
		c.Geo.DatabasePath = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Storage.AuditLogPath = v
	}
	if v := os.Getenv("QUARANTINE_DIR"); v != "" {
		c.Storage.QuarantineDir = v
	}

	if v := os.Getenv("MAX_SESSION_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Session.MaxSessionBytes = n
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SESSION_MAX_DURATION_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.MaxDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}

	if v := os.Getenv("SUBSCRIBER_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Hub.SubscriberQueueSize = n
		}
	}
	if v := os.Getenv("BUS_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Bus.QueueSize = n
		}
	}

	if v := os.Getenv("TRAPLINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRAPLINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if os.Getenv("TRAPLINE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("TRAPLINE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

func overrideInt(field *int, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*field = n
		}
	}
}

// validate checks that the configuration is usable. Configuration
// errors are fatal at startup only, nothing downstream re-validates.
func (c *Config) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address is required")
	}
	ports := map[string]int{
		"ssh": c.Ports.SSH, "telnet": c.Ports.Telnet, "http": c.Ports.HTTP,
		"mqtt": c.Ports.MQTT, "camera": c.Ports.Camera, "query_api": c.Ports.QueryAPI,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port for %s must be in (0, 65535], got %d", name, port)
		}
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if c.Session.MaxDuration <= 0 {
		return fmt.Errorf("session max duration must be positive")
	}
	if c.Session.Store != "memory" && c.Session.Store != "redis" {
		return fmt.Errorf("session store must be \"memory\" or \"redis\", got %q", c.Session.Store)
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus queue size must be positive")
	}
	if c.Hub.SubscriberQueueSize <= 0 {
		return fmt.Errorf("hub subscriber queue size must be positive")
	}
	return nil
}
