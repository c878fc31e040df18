package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/lawrab/haar-weather/internal/config"
)

// SelectAll runs every enabled source.
const SelectAll = "all"

// Factory builds a collector for one run.
type Factory func(deps Deps) (Collector, error)

// Source is a selectable collector.
type Source struct {
	Name    string // selector, e.g. "metoffice"
	Enabled bool   // included in SelectAll runs
	New     Factory
}

// Failure is an error that escaped one source's collection.
type Failure struct {
	Source string
	Err    error
}

func (f Failure) Error() string { return f.Source + ": " + f.Err.Error() }

func (f Failure) Unwrap() error { return f.Err }

// Result summarises an orchestrator run.
type Result struct {
	RunID    string
	Total    int
	Counts   map[string]int
	Failures []Failure
	Skipped  []string
}

// Err joins every failure, or returns nil.
func (r Result) Err() error {
	var merr *multierror.Error
	for _, f := range r.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}

// ExitCode is 0 when no source failed and 1 otherwise.
func (r Result) ExitCode() int {
	if len(r.Failures) > 0 {
		return 1
	}
	return 0
}

// Orchestrator runs sources one after another, isolating their failures.
type Orchestrator struct {
	deps    Deps
	sources []Source
}

func NewOrchestrator(deps Deps, sources ...Source) *Orchestrator {
	return &Orchestrator{deps: deps.withDefaults(), sources: sources}
}

// Names lists the valid selectors.
func (o *Orchestrator) Names() []string {
	names := make([]string, 0, len(o.sources)+1)
	for _, s := range o.sources {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return append([]string{SelectAll}, names...)
}

// Run collects from the selected sources. selector is SelectAll or a source
// name; naming a source runs it even when it is disabled. The returned error
// is only for an unknown selector; collection failures are in the Result.
func (o *Orchestrator) Run(ctx context.Context, selector string) (Result, error) {
	selected, err := o.selectSources(selector)
	if err != nil {
		return Result{}, err
	}

	deps := o.deps
	deps.RunID = uuid.NewString()
	logger := deps.Logger.With("run_id", deps.RunID)

	res := Result{RunID: deps.RunID, Counts: make(map[string]int)}
	logger.Info("collection run started", "selector", selector, "sources", len(selected))

	for _, src := range selected {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Source: src.Name, Err: ctx.Err()})
			continue
		}

		c, err := src.New(deps)
		if err != nil {
			if errors.Is(err, ErrConfiguration) {
				logger.Info("source not configured, skipping", "source", src.Name, "reason", err)
				res.Skipped = append(res.Skipped, src.Name)
				continue
			}
			logger.Error("source setup failed", "source", src.Name, "error", err)
			res.Failures = append(res.Failures, Failure{Source: src.Name, Err: err})
			continue
		}

		n, err := o.collect(ctx, c)
		res.Total += n
		res.Counts[src.Name] = n
		if err != nil {
			res.Failures = append(res.Failures, Failure{Source: src.Name, Err: err})
		}
	}

	logger.Info("collection run finished",
		"total", res.Total, "failures", len(res.Failures), "skipped", len(res.Skipped))
	return res, nil
}

// collect runs one collector, converting a panic into a failure so the
// remaining sources still run. Collectors recover their own panics once
// tracking has started; this catches the ones raised before that.
func (o *Orchestrator) collect(ctx context.Context, c Collector) (n int, err error) {
	defer func() {
		if cerr := c.Close(); cerr != nil {
			o.deps.Logger.Warn("close collector", "collector", c.Name(), "error", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector %s panicked: %v", c.Name(), r)
		}
	}()
	return c.Collect(ctx)
}

func (o *Orchestrator) selectSources(selector string) ([]Source, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector == "" || selector == SelectAll {
		var out []Source
		for _, s := range o.sources {
			if s.Enabled {
				out = append(out, s)
			} else {
				o.deps.Logger.Debug("source disabled", "source", s.Name)
			}
		}
		return out, nil
	}
	for _, s := range o.sources {
		if s.Name == selector {
			return []Source{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown source %q (valid: %s)", selector, strings.Join(o.Names(), ", "))
}

// SourceOptions carries the collaborators that outlive a single run.
type SourceOptions struct {
	Nearest *NearestCache
	// OnNetatmoRefresh persists tokens issued during a refresh.
	OnNetatmoRefresh func(NetatmoCredentials) error
	// ERA5Window overrides the reanalysis window when non-zero.
	ERA5Window DateRange
}

// Sources returns the standard source set for cfg.
func Sources(cfg *config.Config, opts SourceOptions) []Source {
	netatmo := cfg.Netatmo
	return []Source{
		{
			Name:    "openmeteo",
			Enabled: cfg.OpenMeteo.Enabled,
			New: func(d Deps) (Collector, error) {
				return NewOpenMeteo(cfg.OpenMeteo, cfg.Location, d)
			},
		},
		{
			Name:    "metoffice",
			Enabled: cfg.MetOffice.Enabled,
			New: func(d Deps) (Collector, error) {
				return NewMetOffice(cfg.MetOffice, cfg.Location, opts.Nearest, d)
			},
		},
		{
			Name:    "netatmo",
			Enabled: cfg.Netatmo.Enabled,
			New: func(d Deps) (Collector, error) {
				onRefresh := func(creds NetatmoCredentials) error {
					// Later runs in this process use the new tokens.
					netatmo.AccessToken = creds.AccessToken
					if creds.RefreshToken != "" {
						netatmo.RefreshToken = creds.RefreshToken
					}
					if opts.OnNetatmoRefresh != nil {
						return opts.OnNetatmoRefresh(creds)
					}
					return nil
				}
				return NewNetatmo(netatmo, cfg.Location, onRefresh, d)
			},
		},
		{
			Name:    "era5",
			Enabled: cfg.ERA5.Enabled,
			New: func(d Deps) (Collector, error) {
				c, err := NewERA5(cfg.ERA5, cfg.Location, d)
				if err != nil {
					return nil, err
				}
				if w := opts.ERA5Window; !w.Start.IsZero() || !w.End.IsZero() {
					if err := c.SetWindow(w.Start, w.End); err != nil {
						return nil, err
					}
				}
				return c, nil
			},
		},
	}
}
