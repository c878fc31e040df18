package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lawrab/haar-weather/internal/models"
)

// RecordCollection appends one ledger entry and returns its id. Entries are
// written once, after the collector has finished, and never updated.
func (s *Store) RecordCollection(ctx context.Context, e models.CollectionLogEntry) (int64, error) {
	var finishedAt sql.NullTime
	if e.FinishedAt.Valid {
		finishedAt = sql.NullTime{Time: e.FinishedAt.Time.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_logs (run_id, collector, started_at, finished_at, status, records_collected, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Collector, e.StartedAt.UTC(), finishedAt, string(e.Status), e.RecordsCollected, e.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("%w: record collection %s: %w", ErrPersistence, e.Collector, err)
	}
	return result.LastInsertId()
}

// RecentCollections returns up to limit entries, most recently started first.
func (s *Store) RecentCollections(ctx context.Context, limit int) ([]models.CollectionLogEntry, error) {
	return s.queryCollections(ctx, `
		SELECT id, run_id, collector, started_at, finished_at, status, records_collected, error_message
		FROM collection_logs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
}

// RecentFailures returns up to limit failed entries, most recent first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]models.CollectionLogEntry, error) {
	return s.queryCollections(ctx, `
		SELECT id, run_id, collector, started_at, finished_at, status, records_collected, error_message
		FROM collection_logs
		WHERE status = 'failed'
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
}

// CollectionsForRun returns every entry written by one orchestrator run.
func (s *Store) CollectionsForRun(ctx context.Context, runID string) ([]models.CollectionLogEntry, error) {
	return s.queryCollections(ctx, `
		SELECT id, run_id, collector, started_at, finished_at, status, records_collected, error_message
		FROM collection_logs
		WHERE run_id = ?
		ORDER BY started_at ASC, id ASC
	`, runID)
}

// LastSuccess returns when collector last finished successfully, if ever.
func (s *Store) LastSuccess(ctx context.Context, collector string) (time.Time, bool, error) {
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT finished_at FROM collection_logs
		WHERE collector = ? AND status = 'success' AND finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT 1
	`, collector).Scan(&finished)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return finished.Time, finished.Valid, nil
}

func (s *Store) queryCollections(ctx context.Context, query string, args ...any) ([]models.CollectionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.CollectionLogEntry
	for rows.Next() {
		var (
			e      models.CollectionLogEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Collector, &e.StartedAt, &e.FinishedAt,
			&status, &e.RecordsCollected, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Status = models.CollectionStatus(status)
		results = append(results, e)
	}
	return results, rows.Err()
}

// CollectionHealthSummary aggregates one collector's runs on one day.
type CollectionHealthSummary struct {
	Date         string
	Collector    string
	TotalRuns    int
	SuccessRuns  int
	PartialRuns  int
	FailedRuns   int
	TotalRecords int64
}

// CollectionHealth returns per-day summaries for runs started at or after since.
func (s *Store) CollectionHealth(ctx context.Context, since time.Time) ([]CollectionHealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			collector,
			COUNT(*) as total_runs,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END) as partial_runs,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_collected), 0) as total_records
		FROM collection_logs
		WHERE started_at >= ?
		GROUP BY date, collector
		ORDER BY date DESC, collector
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CollectionHealthSummary
	for rows.Next() {
		var h CollectionHealthSummary
		if err := rows.Scan(&h.Date, &h.Collector, &h.TotalRuns, &h.SuccessRuns,
			&h.PartialRuns, &h.FailedRuns, &h.TotalRecords); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}
