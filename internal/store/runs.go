package store

import (
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lox/stationgrid/internal/models"
	"github.com/lox/stationgrid/internal/report"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Run is one audited invocation.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Sources      int
	FilesParsed  sql.NullInt64
	Records      sql.NullInt64
	Conflicts    sql.NullInt64
	CellsWritten sql.NullInt64
	OutputPath   sql.NullString
	Success      bool
	ErrorMessage sql.NullString
}

// StartRun records the start of a run.
func (s *Store) StartRun(id string, sources int) (*Run, error) {
	run := &Run{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Sources:   sources,
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, sources, success)
		VALUES (?, ?, ?, FALSE)
	`, run.ID, run.StartedAt, run.Sources)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// CompleteRun stores the final counters of run.
func (s *Store) CompleteRun(run *Run) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?,
			files_parsed = ?,
			records = ?,
			conflicts = ?,
			cells_written = ?,
			output_path = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.FilesParsed, run.Records, run.Conflicts, run.CellsWritten,
		run.OutputPath, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecordFiles stores the per-file outcome of a run.
func (s *Store) RecordFiles(runID string, files []models.FileReport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, f := range files {
		_, err := tx.Exec(`
			INSERT INTO run_files (run_id, name, records, first_record, last_record, span_days,
				checksum, size_bytes, quality_flags, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, f.Name, f.Records, f.FirstRecord, f.LastRecord, f.SpanDays,
			f.Checksum, f.Bytes, f.QualityFlags, f.Error)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert run file %s: %w", f.Name, err)
		}
	}
	return tx.Commit()
}

// RecordConflicts stores the timestamp collisions of a run.
func (s *Store) RecordConflicts(runID string, conflicts []models.ConflictRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, c := range conflicts {
		prior, err := encodeValues(c.Prior)
		if err != nil {
			tx.Rollback()
			return err
		}
		incoming, err := encodeValues(c.Incoming)
		if err != nil {
			tx.Rollback()
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO run_conflicts (run_id, observed_at, prior_source, incoming_source,
				kept_source, prior_json, incoming_json, differs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, c.Timestamp.UTC(), c.PriorSource, c.IncomingSource, c.Kept, prior, incoming, c.Differs())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert conflict: %w", err)
		}
	}
	return tx.Commit()
}

// RecordMonths stores the sheet write results of a run.
func (s *Store) RecordMonths(runID string, months []report.MonthReport) error {
	for _, m := range months {
		_, err := s.db.Exec(`
			INSERT INTO run_months (run_id, year, month, daily_sheet, monthly_sheet,
				daily_cells, monthly_cells, days_written, write_failures)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, year, month) DO UPDATE SET
				daily_sheet = excluded.daily_sheet,
				monthly_sheet = excluded.monthly_sheet,
				daily_cells = excluded.daily_cells,
				monthly_cells = excluded.monthly_cells,
				days_written = excluded.days_written,
				write_failures = excluded.write_failures
		`, runID, m.Year, int(m.Month), nullString(m.DailySheet), nullString(m.MonthlySheet),
			m.DailyCells, m.MonthlyCells, m.DaysWritten, m.WriteFailures)
		if err != nil {
			return fmt.Errorf("insert run month %d-%02d: %w", m.Year, int(m.Month), err)
		}
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, sources, files_parsed, records, conflicts,
			cells_written, output_path, success, error_message
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Sources, &r.FilesParsed,
			&r.Records, &r.Conflicts, &r.CellsWritten, &r.OutputPath, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunFiles returns the files recorded for a run.
func (s *Store) RunFiles(runID string) ([]models.FileReport, error) {
	rows, err := s.db.Query(`
		SELECT name, records, first_record, last_record, span_days, checksum, size_bytes,
			quality_flags, error_message
		FROM run_files
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.FileReport
	for rows.Next() {
		var f models.FileReport
		if err := rows.Scan(&f.Name, &f.Records, &f.FirstRecord, &f.LastRecord, &f.SpanDays,
			&f.Checksum, &f.Bytes, &f.QualityFlags, &f.Error); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// RunConflicts returns the collisions recorded for a run in timestamp order.
func (s *Store) RunConflicts(runID string) ([]models.ConflictRecord, error) {
	rows, err := s.db.Query(`
		SELECT observed_at, prior_source, incoming_source, kept_source, prior_json, incoming_json
		FROM run_conflicts
		WHERE run_id = ?
		ORDER BY observed_at, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		var prior, incoming sql.NullString
		if err := rows.Scan(&c.Timestamp, &c.PriorSource, &c.IncomingSource, &c.Kept, &prior, &incoming); err != nil {
			return nil, err
		}
		if c.Prior, err = decodeValues(prior); err != nil {
			return nil, err
		}
		if c.Incoming, err = decodeValues(incoming); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeValues(values map[string]sql.NullFloat64) (string, error) {
	m := make(map[string]*float64, len(values))
	for k, v := range values {
		if v.Valid {
			f := v.Float64
			m[k] = &f
		} else {
			m[k] = nil
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode values: %w", err)
	}
	return string(b), nil
}

func decodeValues(s sql.NullString) (map[string]sql.NullFloat64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]*float64
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	out := make(map[string]sql.NullFloat64, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = sql.NullFloat64{}
			continue
		}
		out[k] = sql.NullFloat64{Float64: *v, Valid: true}
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
