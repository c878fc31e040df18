package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"github.com/lawrab/haar-weather/internal/httputil"
	"github.com/lawrab/haar-weather/internal/metrics"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/store"
)

// Collector fetches one source family and persists what it finds.
type Collector interface {
	Name() string
	// Collect runs one collection and returns the number of records written.
	Collect(ctx context.Context) (int, error)
	Close() error
}

// Deps are the collaborators shared by every collector.
type Deps struct {
	Store   *store.Store
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RunID correlates the ledger entries written during one orchestrator run.
	RunID string
	// ArchivePayloads keeps a compressed copy of every provider response.
	ArchivePayloads bool

	HTTPRetries   int
	HTTPRetryWait time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewForTesting()
	}
	return d
}

func (d Deps) httpClient(source string, timeout time.Duration, header http.Header) *httputil.Client {
	return httputil.New(httputil.Options{
		Source:    source,
		Timeout:   timeout,
		Retries:   d.HTTPRetries,
		RetryWait: d.HTTPRetryWait,
		Header:    header,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
	})
}

// archive stores body in the raw payload archive. Failures are logged only.
func (d Deps) archive(ctx context.Context, collector, endpoint, locationID string, body []byte) {
	if !d.ArchivePayloads || len(body) == 0 {
		return
	}
	if _, err := d.Store.StoreRawPayload(ctx, collector, endpoint, locationID, d.Clock.Now(), body); err != nil {
		d.Logger.Warn("archive raw payload", "collector", collector, "endpoint", endpoint, "error", err)
	}
}

// tracker times one collection and writes its ledger entry.
type tracker struct {
	deps      Deps
	collector string
	started   time.Time
	logger    *slog.Logger
}

func (d Deps) track(collector string) *tracker {
	t := &tracker{
		deps:      d,
		collector: collector,
		started:   d.Clock.Now().UTC(),
		logger:    d.Logger.With("collector", collector),
	}
	if d.RunID != "" {
		t.logger = t.logger.With("run_id", d.RunID)
	}
	t.logger.Info("collection started")
	return t
}

// run calls fn and records its outcome with finish. A panic in fn is
// recorded as a failed collection and returned as an error, so the ledger
// still gets its entry.
func (t *tracker) run(ctx context.Context, fn func(t *tracker) (int, []error, error)) (records int, err error) {
	var warnings []error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("collector %s panicked: %v", t.collector, r)
			}
		}()
		records, warnings, err = fn(t)
	}()
	return t.finish(ctx, records, warnings, err)
}

// finish records the outcome. A non-nil err marks the run failed; warnings
// without err mark it partial. It returns err, or the ledger write error
// when the collection itself succeeded.
func (t *tracker) finish(ctx context.Context, records int, warnings []error, err error) (int, error) {
	finished := t.deps.Clock.Now().UTC()
	entry := models.CollectionLogEntry{
		Collector:        t.collector,
		StartedAt:        t.started,
		FinishedAt:       sql.NullTime{Time: finished, Valid: true},
		RecordsCollected: records,
		Status:           models.StatusSuccess,
	}
	if t.deps.RunID != "" {
		entry.RunID = sql.NullString{String: t.deps.RunID, Valid: true}
	}

	switch {
	case err != nil:
		entry.Status = models.StatusFailed
		entry.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	case len(warnings) > 0:
		entry.Status = models.StatusPartial
		entry.ErrorMessage = sql.NullString{String: errors.Join(warnings...).Error(), Valid: true}
	}

	// The ledger entry is written even when ctx was cancelled mid-run.
	if _, lerr := t.deps.Store.RecordCollection(context.WithoutCancel(ctx), entry); lerr != nil {
		t.logger.Error("record collection", "error", lerr)
		if err == nil {
			err = lerr
		}
	}

	m := t.deps.Metrics
	m.CollectionRuns.WithLabelValues(t.collector, string(entry.Status)).Inc()
	m.CollectionDuration.WithLabelValues(t.collector).Observe(finished.Sub(t.started).Seconds())
	if entry.Status != models.StatusFailed {
		m.LastSuccess.WithLabelValues(t.collector).Set(float64(finished.Unix()))
	}

	attrs := []any{"status", entry.Status, "records", records, "duration", finished.Sub(t.started)}
	switch entry.Status {
	case models.StatusFailed:
		t.logger.Error("collection failed", append(attrs, "error", entry.ErrorMessage.String)...)
	case models.StatusPartial:
		t.logger.Warn("collection partially succeeded", append(attrs, "error", entry.ErrorMessage.String)...)
	default:
		t.logger.Info("collection finished", attrs...)
	}
	return records, err
}

func (t *tracker) ingested(kind string, n int) {
	t.deps.Metrics.RecordsIngested.WithLabelValues(t.collector, kind).Add(float64(n))
}

func (t *tracker) dropped(reason string, n int) {
	if n > 0 {
		t.deps.Metrics.RecordsDropped.WithLabelValues(t.collector, reason).Add(float64(n))
	}
}

// fetchErr wraps err in ErrFetch with a short description.
func fetchErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFetch, what, err)
}

// slug turns a location name into an identifier fragment:
// "Edinburgh Castle" -> "edinburgh_castle".
func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
