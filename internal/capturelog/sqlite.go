// Package capturelog implements the Capture Log: the indexed SQLite
// store and append-only JSON audit log that together make up the
// durable record of every CanonicalEvent the honeypot produces.
package capturelog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"trapline/internal/capture"
)

// SQLiteStore is the indexed query side of the Capture Log. Writes
// are row-at-a-time against a single *sql.DB; readers tolerate
// concurrent writers via WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the events database at
// path, enables WAL mode, and runs the idempotent schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("capture log store initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		service TEXT NOT NULL,
		source_ip TEXT NOT NULL,
		source_port INTEGER NOT NULL,
		session_id TEXT,
		event_type TEXT NOT NULL,
		event_data_json TEXT NOT NULL,
		country TEXT,
		country_code TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'info'
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events(source_ip);
	CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_risk_score ON events(risk_score DESC);
	CREATE INDEX IF NOT EXISTS idx_events_ts_source ON events(timestamp, source_ip);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert writes one enriched event as a row. The event's Geo and
// Payload/Raw are stored as a single JSON blob; country and risk
// fields are also pulled out as their own columns (risk_score is
// indexed, the country columns are not).
func (s *SQLiteStore) Insert(evt capture.CanonicalEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO events
		(id, timestamp, service, source_ip, source_port, session_id, event_type, event_data_json, country, country_code, risk_score, risk_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID,
		evt.Timestamp,
		string(evt.Service),
		evt.SourceIP,
		evt.SourcePort,
		evt.SessionID,
		string(evt.EventType),
		string(data),
		evt.Geo.Country,
		evt.Geo.CountryCode,
		evt.RiskScore,
		string(evt.RiskLevel),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEventsOptions filters and paginates ListEvents.
type ListEventsOptions struct {
	Limit    int
	Offset   int
	Service  capture.Service
	Since    *time.Time
	Until    *time.Time
}

// ListEvents returns events matching opts, most recent first, along
// with the total count ignoring limit/offset.
func (s *SQLiteStore) ListEvents(opts ListEventsOptions) ([]capture.CanonicalEvent, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}

	if opts.Service != "" {
		where += " AND service = ?"
		args = append(args, string(opts.Service))
	}
	if opts.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM events " + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting events: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := "SELECT event_data_json FROM events " + where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	queryArgs := append(append([]interface{}{}, args...), limit, opts.Offset)

	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []capture.CanonicalEvent
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, 0, fmt.Errorf("scanning event: %w", err)
		}
		var evt capture.CanonicalEvent
		if err := json.Unmarshal([]byte(blob), &evt); err != nil {
			return nil, 0, fmt.Errorf("decoding event: %w", err)
		}
		events = append(events, evt)
	}

	return events, total, rows.Err()
}

// Stats aggregates the dashboard summary figures.
type Stats struct {
	TotalEvents     int64            `json:"total_events"`
	UniqueSources24h int64           `json:"unique_sources_24h"`
	EventsByService map[string]int64 `json:"events_by_service"`
	EventsPerHour24h []HourlyCount   `json:"events_per_hour_24h"`
	TopSources      []SourceCount    `json:"top_sources"`
}

// HourlyCount is one point of the events_per_hour series.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

// SourceCount is one row of the top_sources ranking.
type SourceCount struct {
	SourceIP string `json:"source_ip"`
	Count    int64  `json:"count"`
}

// Stats computes aggregate statistics on demand; no materialized view
// is kept, matching the scale this store targets.
func (s *SQLiteStore) Stats() (*Stats, error) {
	stats := &Stats{EventsByService: make(map[string]int64)}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("counting total events: %w", err)
	}

	dayAgo := time.Now().Add(-24 * time.Hour)

	if err := s.db.QueryRow(
		"SELECT COUNT(DISTINCT source_ip) FROM events WHERE timestamp >= ?", dayAgo,
	).Scan(&stats.UniqueSources24h); err != nil {
		return nil, fmt.Errorf("counting unique sources: %w", err)
	}

	rows, err := s.db.Query("SELECT service, COUNT(*) FROM events GROUP BY service")
	if err != nil {
		return nil, fmt.Errorf("grouping by service: %w", err)
	}
	for rows.Next() {
		var svc string
		var count int64
		if err := rows.Scan(&svc, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EventsByService[svc] = count
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT strftime('%Y-%m-%d %H:00:00', datetime(timestamp)) AS bucket, COUNT(*)
		FROM events WHERE timestamp >= ?
		GROUP BY bucket ORDER BY bucket ASC`, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("building hourly series: %w", err)
	}
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			rows.Close()
			return nil, err
		}
		ts, _ := time.Parse("2006-01-02 15:04:05", bucket)
		stats.EventsPerHour24h = append(stats.EventsPerHour24h, HourlyCount{Hour: ts, Count: count})
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT source_ip, COUNT(*) AS c FROM events
		GROUP BY source_ip ORDER BY c DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("ranking top sources: %w", err)
	}
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SourceIP, &sc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.TopSources = append(stats.TopSources, sc)
	}
	rows.Close()

	return stats, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
