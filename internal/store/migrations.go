package store

import (
	"database/sql"
	"fmt"
	"log"
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
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    sources INTEGER NOT NULL DEFAULT 0,
    files_parsed INTEGER,
    records INTEGER,
    conflicts INTEGER,
    cells_written INTEGER,
    output_path TEXT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS run_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    name TEXT NOT NULL,
    records INTEGER NOT NULL,
    first_record DATETIME,
    last_record DATETIME,
    span_days INTEGER,
    checksum TEXT,
    size_bytes INTEGER,
    quality_flags INTEGER,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS run_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    observed_at DATETIME NOT NULL,
    prior_source TEXT NOT NULL,
    incoming_source TEXT NOT NULL,
    kept_source TEXT NOT NULL,
    prior_json TEXT,
    incoming_json TEXT,
    differs BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_files_run ON run_files(run_id);
CREATE INDEX IF NOT EXISTS idx_run_conflicts_run ON run_conflicts(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`,
	},
	{
		Version:     2,
		Description: "Raw input payload storage",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_run ON raw_payloads(run_id);
`,
	},
	{
		Version:     3,
		Description: "Per-month write results",
		SQL: `
CREATE TABLE IF NOT EXISTS run_months (
    run_id TEXT NOT NULL REFERENCES runs(id),
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    daily_sheet TEXT,
    monthly_sheet TEXT,
    daily_cells INTEGER NOT NULL DEFAULT 0,
    monthly_cells INTEGER NOT NULL DEFAULT 0,
    days_written INTEGER NOT NULL DEFAULT 0,
    write_failures INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, year, month)
);
`,
	},
}

// Migrate brings the schema up to the latest version. Migrations run in
// order, each in its own transaction, starting after the highest version
// already recorded.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, m := range migrations {
		if m.Version != i+1 {
			return fmt.Errorf("migration %q has version %d, want %d", m.Description, m.Version, i+1)
		}
		if m.Version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
		log.Printf("migrations: schema at version %d (%s)", m.Version, m.Description)
	}
	return nil
}

func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrationVersion returns the highest applied migration, or 0 for an
// empty database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
