package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lawrab/haar-weather/internal/models"
)

// EnsureLocation inserts loc unless a location with the same id already
// exists. Existing rows are never modified. Reports whether a row was created.
func (s *Store) EnsureLocation(ctx context.Context, loc models.Location) (bool, error) {
	var meta sql.NullString
	if len(loc.Metadata) > 0 {
		b, err := json.Marshal(loc.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode metadata for %s: %w", loc.ID, err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	createdAt := loc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, latitude, longitude, elevation_m, location_type, source, station_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, loc.ID, loc.Name, loc.Latitude, loc.Longitude, loc.Elevation, string(loc.SiteType), loc.Source, meta, createdAt.UTC())
	if err != nil {
		return false, fmt.Errorf("%w: ensure location %s: %w", ErrPersistence, loc.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure location %s: rows affected: %w", loc.ID, err)
	}
	if n > 0 {
		s.logger.Debug("location created", "id", loc.ID, "type", loc.SiteType)
	}
	return n > 0, nil
}

// GetLocation returns the location with id, or nil if there is none.
func (s *Store) GetLocation(ctx context.Context, id string) (*models.Location, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, elevation_m, location_type, source, station_metadata, created_at
		FROM locations WHERE id = ?
	`, id)

	loc, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// ListLocations returns all locations of the given type, or every location
// when siteType is empty.
func (s *Store) ListLocations(ctx context.Context, siteType models.SiteType) ([]models.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, elevation_m, location_type, source, station_metadata, created_at
		FROM locations
		WHERE ? = '' OR location_type = ?
		ORDER BY id
	`, string(siteType), string(siteType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, *loc)
	}
	return locations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*models.Location, error) {
	var (
		loc      models.Location
		siteType string
		meta     sql.NullString
	)
	if err := row.Scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude, &loc.Elevation,
		&siteType, &loc.Source, &meta, &loc.CreatedAt); err != nil {
		return nil, err
	}
	loc.SiteType = models.SiteType(siteType)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &loc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", loc.ID, err)
		}
	}
	return &loc, nil
}
