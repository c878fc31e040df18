package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Locations, observations and forecasts",
		SQL: `
CREATE TABLE IF NOT EXISTS locations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    elevation_m REAL,
    location_type TEXT NOT NULL,
    source TEXT NOT NULL,
    station_metadata TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locations_type ON locations(location_type);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location_id TEXT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
    observed_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    temperature_c REAL,
    humidity_pct REAL,
    pressure_hpa REAL,
    wind_speed_ms REAL,
    wind_direction_deg REAL,
    wind_gust_ms REAL,
    precipitation_mm REAL,
    cloud_cover_pct REAL,
    visibility_m REAL,
    weather_code INTEGER,
    raw_data TEXT,
    quality_flag INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    UNIQUE(location_id, observed_at, source)
);

CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(observed_at);

CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location_id TEXT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    valid_at DATETIME NOT NULL,
    lead_time_hours INTEGER NOT NULL CHECK (lead_time_hours >= 0),
    temperature_c REAL,
    humidity_pct REAL,
    pressure_hpa REAL,
    wind_speed_ms REAL,
    wind_direction_deg REAL,
    wind_gust_ms REAL,
    precipitation_mm REAL,
    precipitation_probability_pct REAL,
    cloud_cover_pct REAL,
    visibility_m REAL,
    weather_code INTEGER,
    raw_data TEXT,
    created_at DATETIME NOT NULL,
    UNIQUE(location_id, source, issued_at, valid_at)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_valid ON forecasts(valid_at);
`,
	},
	{
		Version:     2,
		Description: "Collection ledger",
		SQL: `
CREATE TABLE IF NOT EXISTS collection_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    collector TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    status TEXT NOT NULL,
    records_collected INTEGER NOT NULL DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_collection_logs_started ON collection_logs(started_at);
CREATE INDEX IF NOT EXISTS idx_collection_logs_collector ON collection_logs(collector, status);
`,
	},
	{
		Version:     3,
		Description: "Raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fetched_at DATETIME NOT NULL,
    collector TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location_id TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		s.logger.Debug("migration complete", "version", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
