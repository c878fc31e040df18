package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/lawrab/haar-weather/internal/store"
)

// Scheduler runs the orchestrator on an interval and prunes the raw payload
// archive once a day.
type Scheduler struct {
	cron      *gocron.Scheduler
	orch      *Orchestrator
	store     *store.Store
	clock     clockwork.Clock
	logger    *slog.Logger
	selector  string
	interval  time.Duration
	retention time.Duration

	mu      sync.Mutex
	last    Result
	hasLast bool
}

// SchedulerConfig sets how often collection and pruning run.
type SchedulerConfig struct {
	Selector  string        // defaults to SelectAll
	Interval  time.Duration // collection interval, defaults to one hour
	Retention time.Duration // raw payload age limit; zero disables pruning
}

func NewScheduler(orch *Orchestrator, st *store.Store, cfg SchedulerConfig, deps Deps) *Scheduler {
	deps = deps.withDefaults()
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Selector == "" {
		cfg.Selector = SelectAll
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	return &Scheduler{
		cron:      cron,
		orch:      orch,
		store:     st,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "scheduler"),
		selector:  cfg.Selector,
		interval:  cfg.Interval,
		retention: cfg.Retention,
	}
}

// Start registers the jobs and starts them in the background. The first
// collection runs immediately. Jobs stop receiving new work when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.Every(s.interval).Do(func() {
		jobCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		s.RunOnce(jobCtx)
	}); err != nil {
		return fmt.Errorf("schedule collection: %w", err)
	}

	if s.retention > 0 {
		if _, err := s.cron.Every(24 * time.Hour).Do(func() {
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("prune raw payloads", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule prune: %w", err)
		}
	}

	s.logger.Info("scheduler started", "interval", s.interval, "selector", s.selector)
	s.cron.StartAsync()
	return nil
}

// Stop stops the scheduler; running jobs are allowed to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// RunOnce runs one collection and remembers its result.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	res, err := s.orch.Run(ctx, s.selector)
	if err != nil {
		s.logger.Error("collection run", "error", err)
		return res
	}
	if ferr := res.Err(); ferr != nil {
		s.logger.Warn("collection run had failures", "error", ferr)
	}

	s.mu.Lock()
	s.last, s.hasLast = res, true
	s.mu.Unlock()
	return res
}

// LastResult returns the most recent run, if any.
func (s *Scheduler) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Prune deletes archived payloads older than the retention period.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.store.CleanupOldRawPayloads(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned raw payloads", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
