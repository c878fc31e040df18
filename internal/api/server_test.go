package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawrab/haar-weather/internal/api"
	"github.com/lawrab/haar-weather/internal/ingest"
	"github.com/lawrab/haar-weather/internal/logging"
	"github.com/lawrab/haar-weather/internal/metrics"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "haar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, logging.Discard())
	require.NoError(t, s.Migrate())
	return s
}

func record(t *testing.T, st *store.Store, collector string, status models.CollectionStatus, at time.Time) {
	t.Helper()
	e := models.CollectionLogEntry{
		RunID:            sql.NullString{String: "run-1", Valid: true},
		Collector:        collector,
		StartedAt:        at,
		FinishedAt:       sql.NullTime{Time: at.Add(time.Second), Valid: true},
		Status:           status,
		RecordsCollected: 10,
	}
	if status == models.StatusFailed {
		e.ErrorMessage = sql.NullString{String: "fetch error: boom", Valid: true}
	}
	_, err := st.RecordCollection(context.Background(), e)
	require.NoError(t, err)
}

func newServer(st *store.Store) *api.Server {
	return api.NewServer(st, api.Options{
		Gatherer: prometheus.NewRegistry(),
		Clock:    clockwork.NewFakeClockAt(now),
		Logger:   logging.Discard(),
	})
}

func getHealth(t *testing.T, srv *api.Server) (int, api.HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var h api.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
	return w.Code, h
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	record(t, st, "openmeteo_forecasts", models.StatusSuccess, now.Add(-30*time.Minute))

	code, h := getHealth(t, newServer(st))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", h.Status)
	require.Len(t, h.Collectors, 1)
	assert.Equal(t, "openmeteo_forecasts", h.Collectors[0].Collector)
	assert.False(t, h.Collectors[0].Stale)
	assert.Equal(t, int64(1), h.Tables["collection_logs"])
}

func TestHealthEndpoint_Empty(t *testing.T) {
	t.Parallel()
	code, h := getHealth(t, newServer(setupTestStore(t)))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", h.Status)
	assert.Empty(t, h.Collectors)
}

func TestHealthEndpoint_LatestRunFailed(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	record(t, st, "netatmo", models.StatusSuccess, now.Add(-2*time.Hour))
	record(t, st, "netatmo", models.StatusFailed, now.Add(-time.Hour))

	code, h := getHealth(t, newServer(st))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", h.Status)
	require.Len(t, h.Collectors, 1)
	assert.Equal(t, "failed", h.Collectors[0].LastStatus)
	assert.Equal(t, "fetch error: boom", h.Collectors[0].Error)
	require.NotNil(t, h.Collectors[0].LastSuccess)
}

func TestHealthEndpoint_Stale(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	record(t, st, "era5_reanalysis", models.StatusSuccess, now.Add(-6*time.Hour))

	code, h := getHealth(t, newServer(st))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", h.Status)
	assert.True(t, h.Collectors[0].Stale)
}

func TestHealthEndpoint_LastRun(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	record(t, st, "netatmo", models.StatusSuccess, now.Add(-10*time.Minute))

	res := ingest.Result{
		RunID:    "run-7",
		Total:    12,
		Counts:   map[string]int{"netatmo": 12, "metoffice": 0},
		Failures: []ingest.Failure{{Source: "metoffice", Err: errors.New("fetch error: 500")}},
		Skipped:  []string{"era5"},
	}
	srv := api.NewServer(st, api.Options{
		Gatherer: prometheus.NewRegistry(),
		Clock:    clockwork.NewFakeClockAt(now),
		Logger:   logging.Discard(),
		LastRun:  func() (ingest.Result, bool) { return res, true },
	})

	_, h := getHealth(t, srv)
	require.NotNil(t, h.LastRun)
	assert.Equal(t, "run-7", h.LastRun.RunID)
	assert.Equal(t, 12, h.LastRun.Total)
	assert.Equal(t, []string{"metoffice: fetch error: 500"}, h.LastRun.Failures)
	assert.Equal(t, []string{"era5"}, h.LastRun.Skipped)

	_, h = getHealth(t, newServer(st))
	assert.Nil(t, h.LastRun)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.CollectionRuns.WithLabelValues("netatmo", "success").Inc()

	srv := api.NewServer(setupTestStore(t), api.Options{Gatherer: reg, Logger: logging.Discard()})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "haar_collection_runs_total"), w.Body.String())
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(setupTestStore(t), api.Options{Addr: "127.0.0.1:0", Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
