package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewFakeClockAt(obsStart))
	orch := NewOrchestrator(deps, stubSource("a", true, 4, nil))
	s := NewScheduler(orch, deps.Store, SchedulerConfig{Interval: time.Minute}, deps)

	_, ok := s.LastResult()
	assert.False(t, ok)

	res := s.RunOnce(context.Background())
	assert.Equal(t, 4, res.Total)

	last, ok := s.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	deps := newTestDeps(t, clockwork.NewRealClock())
	orch := NewOrchestrator(deps, stubSource("a", true, 1, nil))
	s := NewScheduler(orch, deps.Store, SchedulerConfig{Interval: time.Hour}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		_, ok := s.LastResult()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_Prune(t *testing.T) {
	clock := clockwork.NewFakeClockAt(obsStart)
	deps := newTestDeps(t, clock)
	ctx := context.Background()

	_, err := deps.Store.StoreRawPayload(ctx, "openmeteo", "/ecmwf", "", obsStart.Add(-40*24*time.Hour), []byte(`{"old":true}`))
	require.NoError(t, err)
	_, err = deps.Store.StoreRawPayload(ctx, "openmeteo", "/ecmwf", "", obsStart.Add(-time.Hour), []byte(`{"new":true}`))
	require.NoError(t, err)

	s := NewScheduler(NewOrchestrator(deps), deps.Store, SchedulerConfig{Retention: 30 * 24 * time.Hour}, deps)
	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := deps.Store.GetRawPayloadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCount)

	disabled := NewScheduler(NewOrchestrator(deps), deps.Store, SchedulerConfig{}, deps)
	n, err = disabled.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
