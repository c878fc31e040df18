package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is an archived provider response.
type RawPayload struct {
	ID                int64
	FetchedAt         time.Time
	Collector         string
	Endpoint          string
	LocationID        sql.NullString
	PayloadCompressed []byte
	PayloadHash       string
	SizeBytes         int64
}

// PayloadHash returns the key a payload is archived under.
func PayloadHash(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// StoreRawPayload gzips and archives a response body. Identical bodies are
// stored once; the returned id is 0 for a duplicate.
func (s *Store) StoreRawPayload(ctx context.Context, collector, endpoint, locationID string,
	fetchedAt time.Time, payload []byte) (int64, error) {

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(fetched_at, collector, endpoint, location_id, payload_compressed, payload_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, fetchedAt.UTC(), collector, endpoint, nullString(locationID), buf.Bytes(), PayloadHash(payload), len(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: insert raw payload: %w", ErrPersistence, err)
	}

	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
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

// GetRawPayloadByHash looks a payload up by its hash. Returns nil if absent.
func (s *Store) GetRawPayloadByHash(ctx context.Context, hash string) (*RawPayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fetched_at, collector, endpoint, location_id, payload_compressed, payload_hash, size_bytes
		FROM raw_payloads WHERE payload_hash = ?
	`, hash)

	var p RawPayload
	err := row.Scan(&p.ID, &p.FetchedAt, &p.Collector, &p.Endpoint, &p.LocationID,
		&p.PayloadCompressed, &p.PayloadHash, &p.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RawPayloadStats contains storage statistics for raw payloads.
type RawPayloadStats struct {
	TotalCount            int
	TotalSizeBytes        int64
	CompressedBytes       int64
	OldestFetchedAt       time.Time
	NewestFetchedAt       time.Time
	CountByCollector      map[string]int
	CompressedByCollector map[string]int64
}

// GetRawPayloadStats returns storage statistics for raw payloads.
func (s *Store) GetRawPayloadStats(ctx context.Context) (*RawPayloadStats, error) {
	stats := &RawPayloadStats{
		CountByCollector:      make(map[string]int),
		CompressedByCollector: make(map[string]int64),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(LENGTH(payload_compressed)), 0)
		FROM raw_payloads
	`)
	if err := row.Scan(&stats.TotalCount, &stats.TotalSizeBytes, &stats.CompressedBytes); err != nil {
		return nil, err
	}
	if stats.TotalCount == 0 {
		return stats, nil
	}

	// selected as plain columns so the driver decodes them as DATETIME
	if err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM raw_payloads ORDER BY fetched_at ASC LIMIT 1`).
		Scan(&stats.OldestFetchedAt); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM raw_payloads ORDER BY fetched_at DESC LIMIT 1`).
		Scan(&stats.NewestFetchedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collector, COUNT(*), SUM(LENGTH(payload_compressed))
		FROM raw_payloads
		GROUP BY collector
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			collector string
			count     int
			size      int64
		)
		if err := rows.Scan(&collector, &count, &size); err != nil {
			return nil, err
		}
		stats.CountByCollector[collector] = count
		stats.CompressedByCollector[collector] = size
	}

	return stats, rows.Err()
}

// CleanupOldRawPayloads deletes payloads fetched before cutoff and returns
// the number of deleted rows.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
