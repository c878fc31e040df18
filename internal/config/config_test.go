package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		DBPath:    "data/haar.db",
		Location:  Location{Name: "Edinburgh", Latitude: 55.9533, Longitude: -3.1883},
		HTTP:      HTTP{Retries: 3},
		OpenMeteo: OpenMeteo{Enabled: true, Models: []string{"ecmwf", "gfs"}, BaseURL: "https://api.open-meteo.com/v1", Days: 7},
		MetOffice: MetOffice{BaseURL: "https://data.hub.api.metoffice.gov.uk/observation-land/1"},
		Netatmo: Netatmo{
			RadiusKm: 50,
			APIURL:   "https://api.netatmo.com/api",
			OAuthURL: "https://api.netatmo.com/oauth2/token",
		},
		ERA5:    ERA5{BaseURL: "https://archive-api.open-meteo.com/v1/archive", BackfillDays: 365, LatencyDays: 5, ChunkDays: 90},
		Archive: Archive{Enabled: true, RetentionDays: 30},
		Log:     Log{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"latitude out of range", func(c *Config) { c.Location.Latitude = 91 }},
		{"longitude out of range", func(c *Config) { c.Location.Longitude = -181 }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad base url", func(c *Config) { c.OpenMeteo.BaseURL = "not a url" }},
		{"zero radius", func(c *Config) { c.Netatmo.RadiusKm = 0 }},
		{"chunk too large", func(c *Config) { c.ERA5.ChunkDays = 400 }},
		{"blank model", func(c *Config) { c.OpenMeteo.Models = []string{"ecmwf", " "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestRoster(t *testing.T) {
	m := MetOffice{Stations: []string{"gcvw5v=Edinburgh Gogarbank", " gcuvz3 ", "", "gfhyzz="}}
	roster := m.Roster()
	require.Len(t, roster, 3)
	assert.Equal(t, Station{Geohash: "gcvw5v", Area: "Edinburgh Gogarbank"}, roster[0])
	assert.Equal(t, Station{Geohash: "gcuvz3"}, roster[1])
	assert.Equal(t, Station{Geohash: "gfhyzz"}, roster[2])
}

func TestHasRefresh(t *testing.T) {
	n := Netatmo{RefreshToken: "r", ClientID: "id"}
	assert.False(t, n.HasRefresh())
	n.ClientSecret = "s"
	assert.True(t, n.HasRefresh())
}

func TestSaveNetatmoTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HAAR_LOCATION_NAME=Edinburgh\nNETATMO_ACCESS_TOKEN=old\n"), 0o600))

	require.NoError(t, SaveNetatmoTokens(path, "new-access", "new-refresh"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "Edinburgh", env["HAAR_LOCATION_NAME"])
	assert.Equal(t, "new-access", env["NETATMO_ACCESS_TOKEN"])
	assert.Equal(t, "new-refresh", env["NETATMO_REFRESH_TOKEN"])
}

func TestSaveNetatmoTokens_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, SaveNetatmoTokens(path, "a", ""))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "a", env["NETATMO_ACCESS_TOKEN"])
	_, ok := env["NETATMO_REFRESH_TOKEN"]
	assert.False(t, ok)
}
