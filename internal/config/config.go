// Package config holds haar's settings. Values come from flags, environment
// variables (optionally loaded from a .env file) and defaults, resolved by kong.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every setting shared by the haar commands.
type Config struct {
	DBPath string `name:"db" env:"HAAR_DB_PATH" default:"data/haar.db" help:"Path to SQLite database." validate:"required"`

	Location  Location  `embed:"" prefix:"location-"`
	HTTP      HTTP      `embed:"" prefix:"http-"`
	OpenMeteo OpenMeteo `embed:"" prefix:"openmeteo-"`
	MetOffice MetOffice `embed:"" prefix:"metoffice-"`
	Netatmo   Netatmo   `embed:"" prefix:"netatmo-"`
	ERA5      ERA5      `embed:"" prefix:"era5-"`
	Archive   Archive   `embed:"" prefix:"archive-"`
	Log       Log       `embed:"" prefix:"log-"`
}

// Location is the target point collectors gather data around.
type Location struct {
	Name      string  `name:"name" env:"HAAR_LOCATION_NAME" default:"Home" help:"Target location name." validate:"required"`
	Latitude  float64 `name:"lat" env:"HAAR_LOCATION_LAT" default:"55.9533" help:"Target latitude." validate:"gte=-90,lte=90"`
	Longitude float64 `name:"lon" env:"HAAR_LOCATION_LON" default:"-3.1883" help:"Target longitude." validate:"gte=-180,lte=180"`
}

type HTTP struct {
	Retries   int           `name:"retries" env:"HAAR_HTTP_RETRIES" default:"3" help:"Retries for transient upstream failures." validate:"gte=0,lte=10"`
	RetryWait time.Duration `name:"retry-wait" env:"HAAR_HTTP_RETRY_WAIT" default:"500ms" help:"Initial retry backoff."`
}

type OpenMeteo struct {
	Enabled bool     `name:"enabled" env:"HAAR_OPENMETEO_ENABLED" default:"true" negatable:"" help:"Collect Open-Meteo forecasts."`
	Models  []string `name:"models" env:"HAAR_OPENMETEO_MODELS" default:"ecmwf,gfs,icon" sep:"," help:"NWP model families (ecmwf, gfs, icon, auto)." validate:"dive,required"`
	BaseURL string   `name:"base-url" env:"HAAR_OPENMETEO_BASE_URL" default:"https://api.open-meteo.com/v1" help:"Forecast API base URL." validate:"url"`
	Days    int      `name:"days" env:"HAAR_OPENMETEO_DAYS" default:"7" help:"Forecast days to request." validate:"gte=1,lte=16"`
}

type MetOffice struct {
	Enabled    bool          `name:"enabled" env:"HAAR_METOFFICE_ENABLED" default:"true" negatable:"" help:"Collect Met Office land observations."`
	APIKey     string        `name:"api-key" env:"METOFFICE_DATAHUB_API_KEY,METOFFICE_OBSERVATIONS_API_KEY" help:"Met Office DataHub API key."`
	Stations   []string      `name:"stations" env:"HAAR_METOFFICE_STATIONS" sep:"," help:"Station roster as geohash or geohash=Area. Empty discovers the nearest station."`
	Delay      time.Duration `name:"delay" env:"HAAR_METOFFICE_DELAY" default:"500ms" help:"Pause between station requests."`
	CacheHours int           `name:"cache-hours" env:"HAAR_METOFFICE_CACHE_HOURS" default:"24" help:"How long a nearest-station lookup is reused." validate:"gte=0"`
	BaseURL    string        `name:"base-url" env:"HAAR_METOFFICE_BASE_URL" default:"https://data.hub.api.metoffice.gov.uk/observation-land/1" help:"Observation API base URL." validate:"url"`
}

type Netatmo struct {
	Enabled      bool    `name:"enabled" env:"HAAR_NETATMO_ENABLED" default:"true" negatable:"" help:"Collect Netatmo public station data."`
	AccessToken  string  `name:"access-token" env:"NETATMO_ACCESS_TOKEN" help:"OAuth access token."`
	RefreshToken string  `name:"refresh-token" env:"NETATMO_REFRESH_TOKEN" help:"OAuth refresh token."`
	ClientID     string  `name:"client-id" env:"NETATMO_CLIENT_ID" help:"OAuth client id."`
	ClientSecret string  `name:"client-secret" env:"NETATMO_CLIENT_SECRET" help:"OAuth client secret."`
	RadiusKm     float64 `name:"radius-km" env:"HAAR_NETATMO_RADIUS_KM" default:"50" help:"Station search radius." validate:"gt=0,lte=500"`
	APIURL       string  `name:"api-url" env:"HAAR_NETATMO_API_URL" default:"https://api.netatmo.com/api" help:"Netatmo API base URL." validate:"url"`
	OAuthURL     string  `name:"oauth-url" env:"HAAR_NETATMO_OAUTH_URL" default:"https://api.netatmo.com/oauth2/token" help:"Netatmo token endpoint." validate:"url"`
}

type ERA5 struct {
	Enabled      bool   `name:"enabled" env:"HAAR_ERA5_ENABLED" default:"false" negatable:"" help:"Include ERA5 reanalysis in scheduled and 'all' runs."`
	BaseURL      string `name:"base-url" env:"HAAR_ERA5_BASE_URL" default:"https://archive-api.open-meteo.com/v1/archive" help:"Archive API URL." validate:"url"`
	BackfillDays int    `name:"backfill-days" env:"HAAR_ERA5_BACKFILL_DAYS" default:"365" help:"Default window length in days." validate:"gte=1"`
	LatencyDays  int    `name:"latency-days" env:"HAAR_ERA5_LATENCY_DAYS" default:"5" help:"Days the archive lags behind today." validate:"gte=0"`
	ChunkDays    int    `name:"chunk-days" env:"HAAR_ERA5_CHUNK_DAYS" default:"90" help:"Maximum days per archive request." validate:"gte=1,lte=366"`
}

// Archive controls the raw response archive.
type Archive struct {
	Enabled       bool `name:"enabled" env:"HAAR_ARCHIVE_ENABLED" default:"true" negatable:"" help:"Keep compressed copies of provider responses."`
	RetentionDays int  `name:"retention-days" env:"HAAR_ARCHIVE_RETENTION_DAYS" default:"30" help:"Days to keep archived responses." validate:"gte=1"`
}

type Log struct {
	Level  string `name:"level" env:"HAAR_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	Format string `name:"format" env:"HAAR_LOG_FORMAT" default:"text" enum:"text,json" help:"Log format."`
}

var validate = validator.New()

// Validate checks ranges and formats that kong does not.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, m := range c.OpenMeteo.Models {
		if strings.TrimSpace(m) == "" {
			return errors.New("invalid configuration: empty Open-Meteo model name")
		}
	}
	return nil
}

// Station is one entry of the Met Office roster.
type Station struct {
	Geohash string
	Area    string
}

// Roster parses the configured Met Office stations, keeping their order.
func (m MetOffice) Roster() []Station {
	var out []Station
	for _, entry := range m.Stations {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		geohash, area, _ := strings.Cut(entry, "=")
		out = append(out, Station{Geohash: strings.TrimSpace(geohash), Area: strings.TrimSpace(area)})
	}
	return out
}

// HasRefresh reports whether the OAuth refresh grant can be attempted.
func (n Netatmo) HasRefresh() bool {
	return n.RefreshToken != "" && n.ClientID != "" && n.ClientSecret != ""
}
