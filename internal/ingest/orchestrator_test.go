package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/models"
)

// stubCollector records a fixed outcome through the real tracker.
type stubCollector struct {
	name          string
	deps          Deps
	records       int
	err           error
	panics        bool // before tracking starts
	panicsTracked bool
	closed        *bool
}

func (s *stubCollector) Name() string { return s.name }

func (s *stubCollector) Close() error {
	if s.closed != nil {
		*s.closed = true
	}
	return nil
}

func (s *stubCollector) Collect(ctx context.Context) (int, error) {
	if s.panics {
		panic("boom")
	}
	return s.deps.track(s.name).run(ctx, func(*tracker) (int, []error, error) {
		if s.panicsTracked {
			var counts map[string]int
			counts["x"]++
		}
		return s.records, nil, s.err
	})
}

func stubSource(name string, enabled bool, records int, err error) Source {
	return Source{
		Name:    name,
		Enabled: enabled,
		New: func(d Deps) (Collector, error) {
			return &stubCollector{name: name, deps: d, records: records, err: err}, nil
		},
	}
}

func TestOrchestrator_IsolatesFailures(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	boom := fmt.Errorf("%w: upstream 503", ErrFetch)
	orch := NewOrchestrator(deps,
		stubSource("a", true, 10, nil),
		stubSource("b", true, 0, boom),
		stubSource("c", true, 5, nil),
	)

	res, err := orch.Run(context.Background(), SelectAll)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Total)
	assert.Equal(t, map[string]int{"a": 10, "b": 0, "c": 5}, res.Counts)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].Source)
	assert.True(t, errors.Is(res.Err(), ErrFetch))
	assert.Contains(t, res.Err().Error(), "b: fetch error: upstream 503")
	assert.Equal(t, 1, res.ExitCode())

	entries, err := deps.Store.CollectionsForRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	statuses := map[string]models.CollectionStatus{}
	for _, e := range entries {
		statuses[e.Collector] = e.Status
	}
	assert.Equal(t, map[string]models.CollectionStatus{
		"a": models.StatusSuccess,
		"b": models.StatusFailed,
		"c": models.StatusSuccess,
	}, statuses)
}

func TestOrchestrator_SkipsUnconfiguredAndDisabled(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	unconfigured := Source{
		Name:    "needs-key",
		Enabled: true,
		New: func(Deps) (Collector, error) {
			return nil, fmt.Errorf("%w: api key not set", ErrConfiguration)
		},
	}
	orch := NewOrchestrator(deps,
		stubSource("a", true, 3, nil),
		unconfigured,
		stubSource("off", false, 7, nil),
	)

	res, err := orch.Run(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, []string{"needs-key"}, res.Skipped)
	assert.Empty(t, res.Failures)
	assert.NoError(t, res.Err())
	assert.Equal(t, 0, res.ExitCode())

	// Naming a disabled source runs it.
	res, err = orch.Run(context.Background(), "off")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Total)
}

func TestOrchestrator_UnknownSelector(t *testing.T) {
	orch := NewOrchestrator(newTestDeps(t, nil), stubSource("a", true, 0, nil))
	_, err := orch.Run(context.Background(), "wunderground")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid: all, a")
}

func TestOrchestrator_RecoversPanics(t *testing.T) {
	closed := false
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	orch := NewOrchestrator(deps,
		Source{Name: "p", Enabled: true, New: func(d Deps) (Collector, error) {
			return &stubCollector{name: "p", deps: d, panics: true, closed: &closed}, nil
		}},
		stubSource("after", true, 2, nil),
	)

	res, err := orch.Run(context.Background(), SelectAll)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Err.Error(), "panicked")
	assert.True(t, closed)
}

func TestOrchestrator_PanicAfterTrackingIsLedgered(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	orch := NewOrchestrator(deps,
		Source{Name: "p", Enabled: true, New: func(d Deps) (Collector, error) {
			return &stubCollector{name: "p", deps: d, panicsTracked: true}, nil
		}},
	)

	res, err := orch.Run(context.Background(), SelectAll)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Err.Error(), "collector p panicked")

	entries, err := deps.Store.CollectionsForRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p", entries[0].Collector)
	assert.Equal(t, models.StatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage.String, "panicked")
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	orch := NewOrchestrator(deps, stubSource("a", true, 1, nil), stubSource("b", true, 1, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := orch.Run(ctx, SelectAll)
	require.NoError(t, err)
	assert.Len(t, res.Failures, 2)
	assert.True(t, errors.Is(res.Err(), context.Canceled))
}

// Three real sources against fakes: one succeeds, one fails, one lacks
// credentials.
func TestOrchestrator_StandardSources(t *testing.T) {
	forecastSrv := openMeteoServer(t, hourlyPayload(forecastStart, 24, 15.5), nil)
	netatmoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer netatmoSrv.Close()

	cfg := &config.Config{
		Location:  testLocation,
		OpenMeteo: config.OpenMeteo{Enabled: true, Models: []string{"ecmwf"}, BaseURL: forecastSrv.URL, Days: 7},
		MetOffice: config.MetOffice{Enabled: true},
		Netatmo:   netatmoConfig(netatmoSrv.URL, "token"),
		ERA5:      era5Config("http://unused"),
	}
	deps := newTestDeps(t, clockwork.NewFakeClockAt(forecastStart))
	orch := NewOrchestrator(deps, Sources(cfg, SourceOptions{})...)
	assert.Equal(t, []string{"all", "era5", "metoffice", "netatmo", "openmeteo"}, orch.Names())

	res, err := orch.Run(context.Background(), SelectAll)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Total)
	assert.Equal(t, []string{"metoffice"}, res.Skipped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "netatmo", res.Failures[0].Source)
	assert.Equal(t, 1, res.ExitCode())

	entries, err := deps.Store.RecentCollections(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "skipped sources write no ledger entry")
}
