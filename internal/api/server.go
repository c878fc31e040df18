// Package api serves the operational endpoints of a long-running collector.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lawrab/haar-weather/internal/ingest"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/store"
)

const recentLimit = 50

type Server struct {
	store    *store.Store
	addr     string
	gatherer prometheus.Gatherer
	clock    clockwork.Clock
	logger   *slog.Logger
	// staleAfter marks a collector degraded when its last success is older.
	staleAfter time.Duration
	lastRun    func() (ingest.Result, bool)
}

type Options struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
	Logger   *slog.Logger
	// StaleAfter defaults to three hours.
	StaleAfter time.Duration
	// LastRun reports the scheduler's most recent run in this process.
	LastRun func() (ingest.Result, bool)
}

func NewServer(st *store.Store, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * time.Hour
	}
	return &Server{
		store:      st,
		addr:       opts.Addr,
		gatherer:   opts.Gatherer,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "api"),
		staleAfter: opts.StaleAfter,
		lastRun:    opts.LastRun,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status     string            `json:"status"`
	Collectors []CollectorHealth `json:"collectors"`
	LastRun    *RunSummary       `json:"last_run,omitempty"`
	Tables     map[string]int64  `json:"tables,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
}

// RunSummary describes the last scheduled run of this process.
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Total    int            `json:"total"`
	Counts   map[string]int `json:"counts"`
	Failures []string       `json:"failures,omitempty"`
	Skipped  []string       `json:"skipped,omitempty"`
}

func summarise(res ingest.Result) *RunSummary {
	sum := &RunSummary{RunID: res.RunID, Total: res.Total, Counts: res.Counts, Skipped: res.Skipped}
	for _, f := range res.Failures {
		sum.Failures = append(sum.Failures, f.Error())
	}
	return sum
}

type CollectorHealth struct {
	Collector   string     `json:"collector"`
	LastStatus  string     `json:"last_status"`
	LastRun     time.Time  `json:"last_run"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Records     int        `json:"records"`
	Error       string     `json:"error,omitempty"`
	Stale       bool       `json:"stale"`
}

// handleHealth reports the latest ledger entry of each collector. The status
// is degraded when any collector's latest run failed or it has not succeeded
// recently.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := HealthStatus{Status: "ok", Collectors: []CollectorHealth{}}

	entries, err := s.store.RecentCollections(ctx, recentLimit)
	if err != nil {
		s.writeHealth(w, http.StatusInternalServerError, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}

	now := s.clock.Now()
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.Collector] {
			continue
		}
		seen[e.Collector] = true

		ch := CollectorHealth{
			Collector:  e.Collector,
			LastStatus: string(e.Status),
			LastRun:    e.StartedAt,
			Records:    e.RecordsCollected,
			Error:      e.ErrorMessage.String,
		}
		last, ok, err := s.store.LastSuccess(ctx, e.Collector)
		switch {
		case err != nil:
			health.Errors = append(health.Errors, e.Collector+": "+err.Error())
		case ok:
			ch.LastSuccess = &last
			ch.Stale = now.Sub(last) > s.staleAfter
		default:
			ch.Stale = true
		}

		if e.Status == models.StatusFailed || ch.Stale {
			health.Status = "degraded"
		}
		health.Collectors = append(health.Collectors, ch)
	}

	if s.lastRun != nil {
		if res, ok := s.lastRun(); ok {
			health.LastRun = summarise(res)
		}
	}

	if counts, err := s.store.TableCounts(ctx); err != nil {
		health.Errors = append(health.Errors, "table counts: "+err.Error())
	} else {
		health.Tables = counts
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeHealth(w, code, health)
}

func (s *Server) writeHealth(w http.ResponseWriter, code int, h HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("health: write response", "error", err)
	}
}
