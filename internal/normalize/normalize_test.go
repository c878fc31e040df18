package normalize

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCompassToDegrees(t *testing.T) {
	points := []string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
		"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}

	for i, p := range points {
		t.Run(p, func(t *testing.T) {
			got := CompassToDegrees(p)
			require.True(t, got.Valid)
			assert.Equal(t, float64(i)*22.5, got.Float64)
		})
	}

	assert.Equal(t, 247.5, CompassToDegrees("WSW").Float64)
	assert.Equal(t, 247.5, CompassToDegrees(" wsw ").Float64)
}

func TestCompassToDegrees_Unknown(t *testing.T) {
	for _, dir := range []string{"", "VRB", "NORTH", "X"} {
		assert.False(t, CompassToDegrees(dir).Valid, dir)
	}
}

func TestKmhToMs(t *testing.T) {
	got := KmhToMs(sql.NullFloat64{Float64: 36, Valid: true})
	require.True(t, got.Valid)
	assert.InDelta(t, 10.0, got.Float64, 1e-9)

	assert.False(t, KmhToMs(sql.NullFloat64{}).Valid)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []string{
		"2024-01-15T12:00",
		"2024-01-15T12:00:00",
		"2024-01-15T12:00:00Z",
		"2024-01-15T13:00:00+01:00",
		"2024-01-15T12:00:00.000Z",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := ParseTime(in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got))
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}

func TestLeadTimeHours(t *testing.T) {
	issued := time.Date(2024, 1, 15, 12, 20, 0, 0, time.UTC)
	assert.Equal(t, 0, LeadTimeHours(issued, issued))
	assert.Equal(t, 1, LeadTimeHours(issued, issued.Add(40*time.Minute)))
	assert.Equal(t, 24, LeadTimeHours(issued, issued.Add(24*time.Hour)))
	assert.Equal(t, -1, LeadTimeHours(issued, issued.Add(-time.Hour)))
}

const hourlyFixture = `{
  "hourly": {
    "time": ["2024-01-15T00:00", "2024-01-15T01:00", "2024-01-15T02:00"],
    "temperature_2m": [5.5, null, 6.1],
    "weather_code": [3, 61.4, null],
    "wind_direction_10m": [270, "n/a"],
    "units": "ignored"
  }
}`

func TestSeries(t *testing.T) {
	s := ParseSeries([]byte(hourlyFixture), "hourly")
	require.Equal(t, 3, s.Len())
	assert.Equal(t, "2024-01-15T01:00", s.Time(1))
	assert.Equal(t, "", s.Time(3))

	tests := []struct {
		name  string
		key   string
		index int
		want  sql.NullFloat64
	}{
		{"value", "temperature_2m", 0, sql.NullFloat64{Float64: 5.5, Valid: true}},
		{"json null", "temperature_2m", 1, sql.NullFloat64{}},
		{"missing key", "cloud_cover", 0, sql.NullFloat64{}},
		{"index past end", "temperature_2m", 3, sql.NullFloat64{}},
		{"short array", "wind_direction_10m", 2, sql.NullFloat64{}},
		{"negative index", "temperature_2m", -1, sql.NullFloat64{}},
		{"non numeric", "wind_direction_10m", 1, sql.NullFloat64{}},
		{"not an array", "units", 0, sql.NullFloat64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Float(tt.key, tt.index))
		})
	}

	assert.Equal(t, sql.NullInt64{Int64: 61, Valid: true}, s.Int("weather_code", 1))
	assert.False(t, s.Int("weather_code", 2).Valid)
}

func TestSeries_Snapshot(t *testing.T) {
	s := ParseSeries([]byte(hourlyFixture), "hourly")

	snap := gjson.Parse(s.Snapshot(2))
	assert.Equal(t, "2024-01-15T02:00", snap.Get("time").String())
	assert.Equal(t, 6.1, snap.Get("temperature_2m").Float())
	assert.Equal(t, gjson.Null, snap.Get("weather_code").Type)
	assert.True(t, snap.Get("wind_direction_10m").Exists())
	assert.Equal(t, gjson.Null, snap.Get("wind_direction_10m").Type)
	assert.False(t, snap.Get("units").Exists())
}

func TestSeries_Empty(t *testing.T) {
	for _, body := range []string{`{}`, `{"hourly": null}`, `{"hourly": {"time": []}}`, `not json`} {
		s := ParseSeries([]byte(body), "hourly")
		assert.Equal(t, 0, s.Len(), body)
		assert.False(t, s.Float("temperature_2m", 0).Valid)
	}
}
