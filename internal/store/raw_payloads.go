package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is an input file kept for later inspection.
type RawPayload struct {
	ID                int64
	RunID             sql.NullString
	FetchedAt         time.Time
	Source            string
	PayloadCompressed []byte
	PayloadHash       string
	SizeBytes         int64
}

// StoreRawPayload stores a compressed copy of an input file.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(runID, source string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	result, err := s.db.Exec(`
		INSERT INTO raw_payloads (run_id, fetched_at, source, payload_compressed, payload_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, nullString(runID), time.Now().UTC(), source, buf.Bytes(), hashHex, len(payload))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// RawPayloadsForRun lists the payloads first seen in a run.
func (s *Store) RawPayloadsForRun(runID string) ([]RawPayload, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, fetched_at, source, payload_compressed, payload_hash, size_bytes
		FROM raw_payloads WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawPayload
	for rows.Next() {
		var p RawPayload
		if err := rows.Scan(&p.ID, &p.RunID, &p.FetchedAt, &p.Source, &p.PayloadCompressed,
			&p.PayloadHash, &p.SizeBytes); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
