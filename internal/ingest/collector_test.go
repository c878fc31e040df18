package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawrab/haar-weather/internal/models"
)

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Edinburgh":          "edinburgh",
		"Edinburgh Castle":   "edinburgh_castle",
		"  Home  ":           "home",
		"St. Andrews, Fife":  "st_andrews_fife",
		"Loch--Lomond!!":     "loch_lomond",
		"Ben Nevis 1345m":    "ben_nevis_1345m",
		"Kirkcaldy / Fife /": "kirkcaldy_fife",
	}
	for in, want := range tests {
		assert.Equal(t, want, slug(in), in)
	}
}

func TestTracker_Partial(t *testing.T) {
	clock := clockwork.NewFakeClockAt(obsStart)
	deps := newTestDeps(t, clock)
	deps.RunID = "run-1"
	ctx := context.Background()

	tr := deps.track("metoffice_observations")
	clock.Advance(3 * time.Second)
	n, err := tr.finish(ctx, 12, []error{errors.New("station gfhyzz: status 500")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	entries, err := deps.Store.CollectionsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.StatusPartial, e.Status)
	assert.Equal(t, 12, e.RecordsCollected)
	assert.Equal(t, "station gfhyzz: status 500", e.ErrorMessage.String)
	assert.Equal(t, 3*time.Second, e.Duration())

	assert.Equal(t, float64(obsStart.Add(3*time.Second).Unix()),
		testutil.ToFloat64(deps.Metrics.LastSuccess.WithLabelValues("metoffice_observations")))
}

func TestTracker_FailureKeepsError(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	cause := errors.New("boom")

	ctx, cancel := context.WithCancel(context.Background())
	tr := deps.track("x")
	cancel()
	_, err := tr.finish(ctx, 0, nil, cause)
	assert.Same(t, cause, err)

	entries, err := deps.Store.RecentCollections(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1, "ledger is written after cancellation")
	assert.Equal(t, models.StatusFailed, entries[0].Status)
	assert.Equal(t, float64(0), testutil.ToFloat64(deps.Metrics.LastSuccess.WithLabelValues("x")))
}
