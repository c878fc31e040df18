package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/logging"
	"github.com/lawrab/haar-weather/internal/metrics"
	"github.com/lawrab/haar-weather/internal/store"
)

var testLocation = config.Location{Name: "Edinburgh", Latitude: 55.9533, Longitude: -3.1883}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "haar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, logging.Discard())
	require.NoError(t, st.Migrate())
	return st
}

func newTestDeps(t *testing.T, clock clockwork.Clock) Deps {
	t.Helper()
	return Deps{
		Store:           newTestStore(t),
		Clock:           clock,
		Logger:          logging.Discard(),
		Metrics:         metrics.NewForTesting(),
		ArchivePayloads: true,
		HTTPRetries:     0,
		HTTPRetryWait:   time.Millisecond,
	}
}

// hourlyPayload builds an Open-Meteo style response with n hourly steps
// starting at start. Temperatures rise by 0.5 per hour from firstTemp.
func hourlyPayload(start time.Time, n int, firstTemp float64) string {
	times := make([]string, n)
	temps := make([]string, n)
	humidity := make([]string, n)
	winds := make([]string, n)
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		times[i] = fmt.Sprintf("%q", start.Add(time.Duration(i)*time.Hour).Format("2006-01-02T15:04"))
		temps[i] = fmt.Sprintf("%.1f", firstTemp+0.5*float64(i))
		humidity[i] = "80"
		winds[i] = "4.2"
		codes[i] = "3"
	}
	// The last step of every series has a gap to exercise null handling.
	if n > 0 {
		humidity[n-1] = "null"
	}
	return fmt.Sprintf(`{
		"latitude": 55.95,
		"longitude": -3.19,
		"hourly_units": {"temperature_2m": "°C"},
		"hourly": {
			"time": [%s],
			"temperature_2m": [%s],
			"relative_humidity_2m": [%s],
			"wind_speed_10m": [%s],
			"weather_code": [%s]
		}
	}`, strings.Join(times, ","), strings.Join(temps, ","), strings.Join(humidity, ","),
		strings.Join(winds, ","), strings.Join(codes, ","))
}
