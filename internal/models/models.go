package models

import (
	"database/sql"
	"time"
)

// SiteType identifies what kind of monitoring site a Location is.
type SiteType string

const (
	SiteTarget     SiteType = "target"     // configured point of interest
	SiteReanalysis SiteType = "reanalysis" // reanalysis grid cell
	SiteMetOffice  SiteType = "metoffice"  // official observation network station
	SiteNetatmo    SiteType = "netatmo"    // crowd-sourced personal station
)

// QualityFlag is the provenance tier of an observation. Lower is more trusted.
type QualityFlag int

const (
	QualityAuthoritative QualityFlag = 0
	QualityCrowdSourced  QualityFlag = 1
	QualityReanalysis    QualityFlag = 2
)

func (q QualityFlag) String() string {
	switch q {
	case QualityAuthoritative:
		return "authoritative"
	case QualityCrowdSourced:
		return "crowd_sourced"
	case QualityReanalysis:
		return "reanalysis"
	default:
		return "unknown"
	}
}

type Location struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
	Elevation sql.NullFloat64
	SiteType  SiteType
	Source    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Conditions is the weather variable set shared by observations and forecasts.
// All values are SI-ish: °C, %, hPa, m/s, degrees, mm, m.
type Conditions struct {
	Temperature   sql.NullFloat64
	Humidity      sql.NullFloat64
	Pressure      sql.NullFloat64
	WindSpeed     sql.NullFloat64
	WindDirection sql.NullFloat64
	WindGust      sql.NullFloat64
	Precipitation sql.NullFloat64
	CloudCover    sql.NullFloat64
	Visibility    sql.NullFloat64
	WeatherCode   sql.NullInt64
}

type Observation struct {
	ID         int64
	LocationID string
	ObservedAt time.Time
	Source     string
	Conditions
	RawData     string
	QualityFlag QualityFlag
	CreatedAt   time.Time
}

type Forecast struct {
	ID            int64
	LocationID    string
	Source        string // model family qualified, e.g. "openmeteo_ecmwf"
	IssuedAt      time.Time
	ValidAt       time.Time
	LeadTimeHours int
	Conditions
	PrecipitationProbability sql.NullFloat64
	RawData                  string
	CreatedAt                time.Time
}

// CollectionStatus is the outcome of a single collector invocation.
type CollectionStatus string

const (
	StatusRunning CollectionStatus = "running"
	StatusSuccess CollectionStatus = "success"
	StatusPartial CollectionStatus = "partial"
	StatusFailed  CollectionStatus = "failed"
)

type CollectionLogEntry struct {
	ID               int64
	RunID            sql.NullString
	Collector        string
	StartedAt        time.Time
	FinishedAt       sql.NullTime
	Status           CollectionStatus
	RecordsCollected int
	ErrorMessage     sql.NullString
}

// Duration returns how long the collection took, or zero while running.
func (e CollectionLogEntry) Duration() time.Duration {
	if !e.FinishedAt.Valid {
		return 0
	}
	return e.FinishedAt.Time.Sub(e.StartedAt)
}
