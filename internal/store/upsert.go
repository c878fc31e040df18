package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lawrab/haar-weather/internal/models"
)

const upsertObservationSQL = `
INSERT INTO observations (
    location_id, observed_at, source,
    temperature_c, humidity_pct, pressure_hpa, wind_speed_ms, wind_direction_deg, wind_gust_ms,
    precipitation_mm, cloud_cover_pct, visibility_m, weather_code,
    raw_data, quality_flag, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(location_id, observed_at, source) DO UPDATE SET
    temperature_c = excluded.temperature_c,
    humidity_pct = excluded.humidity_pct,
    pressure_hpa = excluded.pressure_hpa,
    wind_speed_ms = excluded.wind_speed_ms,
    wind_direction_deg = excluded.wind_direction_deg,
    wind_gust_ms = excluded.wind_gust_ms,
    precipitation_mm = excluded.precipitation_mm,
    cloud_cover_pct = excluded.cloud_cover_pct,
    visibility_m = excluded.visibility_m,
    weather_code = excluded.weather_code,
    raw_data = excluded.raw_data,
    quality_flag = excluded.quality_flag
`

const upsertForecastSQL = `
INSERT INTO forecasts (
    location_id, source, issued_at, valid_at, lead_time_hours,
    temperature_c, humidity_pct, pressure_hpa, wind_speed_ms, wind_direction_deg, wind_gust_ms,
    precipitation_mm, precipitation_probability_pct, cloud_cover_pct, visibility_m, weather_code,
    raw_data, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(location_id, source, issued_at, valid_at) DO UPDATE SET
    lead_time_hours = excluded.lead_time_hours,
    temperature_c = excluded.temperature_c,
    humidity_pct = excluded.humidity_pct,
    pressure_hpa = excluded.pressure_hpa,
    wind_speed_ms = excluded.wind_speed_ms,
    wind_direction_deg = excluded.wind_direction_deg,
    wind_gust_ms = excluded.wind_gust_ms,
    precipitation_mm = excluded.precipitation_mm,
    precipitation_probability_pct = excluded.precipitation_probability_pct,
    cloud_cover_pct = excluded.cloud_cover_pct,
    visibility_m = excluded.visibility_m,
    weather_code = excluded.weather_code,
    raw_data = excluded.raw_data
`

// UpsertObservations writes the batch in one transaction. Rows matching an
// existing (location, observed_at, source) overwrite its values.
func (s *Store) UpsertObservations(ctx context.Context, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return s.withTx(ctx, "upsert observations", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertObservationSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, o := range obs {
			c := o.Conditions
			if _, err := stmt.ExecContext(ctx,
				o.LocationID, normalizeTime(o.ObservedAt), o.Source,
				c.Temperature, c.Humidity, c.Pressure, c.WindSpeed, c.WindDirection, c.WindGust,
				c.Precipitation, c.CloudCover, c.Visibility, c.WeatherCode,
				nullString(o.RawData), int(o.QualityFlag), now,
			); err != nil {
				return fmt.Errorf("observation %s@%s: %w", o.LocationID, o.ObservedAt.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

// UpsertForecasts writes the batch in one transaction, keyed by
// (location, source, issued_at, valid_at).
func (s *Store) UpsertForecasts(ctx context.Context, forecasts []models.Forecast) error {
	if len(forecasts) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return s.withTx(ctx, "upsert forecasts", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertForecastSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range forecasts {
			if f.LeadTimeHours < 0 {
				return fmt.Errorf("forecast %s valid %s: negative lead time %d", f.LocationID, f.ValidAt.Format(time.RFC3339), f.LeadTimeHours)
			}
			c := f.Conditions
			if _, err := stmt.ExecContext(ctx,
				f.LocationID, f.Source, normalizeTime(f.IssuedAt), normalizeTime(f.ValidAt), f.LeadTimeHours,
				c.Temperature, c.Humidity, c.Pressure, c.WindSpeed, c.WindDirection, c.WindGust,
				c.Precipitation, f.PrecipitationProbability, c.CloudCover, c.Visibility, c.WeatherCode,
				nullString(f.RawData), now,
			); err != nil {
				return fmt.Errorf("forecast %s@%s: %w", f.LocationID, f.ValidAt.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

// GetObservations returns a location's observations, oldest first.
func (s *Store) GetObservations(ctx context.Context, locationID string) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, observed_at, source,
		       temperature_c, humidity_pct, pressure_hpa, wind_speed_ms, wind_direction_deg, wind_gust_ms,
		       precipitation_mm, cloud_cover_pct, visibility_m, weather_code,
		       COALESCE(raw_data, ''), quality_flag, created_at
		FROM observations
		WHERE location_id = ?
		ORDER BY observed_at ASC, source ASC
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var (
			o       models.Observation
			quality int
		)
		c := &o.Conditions
		if err := rows.Scan(&o.ID, &o.LocationID, &o.ObservedAt, &o.Source,
			&c.Temperature, &c.Humidity, &c.Pressure, &c.WindSpeed, &c.WindDirection, &c.WindGust,
			&c.Precipitation, &c.CloudCover, &c.Visibility, &c.WeatherCode,
			&o.RawData, &quality, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.QualityFlag = models.QualityFlag(quality)
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// GetForecasts returns a location's forecasts from source ordered by issue
// then validity time. An empty source matches every source.
func (s *Store) GetForecasts(ctx context.Context, locationID, source string) ([]models.Forecast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, source, issued_at, valid_at, lead_time_hours,
		       temperature_c, humidity_pct, pressure_hpa, wind_speed_ms, wind_direction_deg, wind_gust_ms,
		       precipitation_mm, precipitation_probability_pct, cloud_cover_pct, visibility_m, weather_code,
		       COALESCE(raw_data, ''), created_at
		FROM forecasts
		WHERE location_id = ? AND (? = '' OR source = ?)
		ORDER BY issued_at ASC, valid_at ASC
	`, locationID, source, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []models.Forecast
	for rows.Next() {
		var f models.Forecast
		c := &f.Conditions
		if err := rows.Scan(&f.ID, &f.LocationID, &f.Source, &f.IssuedAt, &f.ValidAt, &f.LeadTimeHours,
			&c.Temperature, &c.Humidity, &c.Pressure, &c.WindSpeed, &c.WindDirection, &c.WindGust,
			&c.Precipitation, &f.PrecipitationProbability, &c.CloudCover, &c.Visibility, &c.WeatherCode,
			&f.RawData, &f.CreatedAt); err != nil {
			return nil, err
		}
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

// normalizeTime gives natural-key timestamps one representation so equal
// instants always collide on the unique constraints.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
